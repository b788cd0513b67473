package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/extractor"
	"github.com/kursadbilgin/citation-pipeline/internal/infra/postgresql"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/provider"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"github.com/kursadbilgin/citation-pipeline/internal/session"
	"go.uber.org/zap"
)

const (
	exitLoginRequired = 1
	exitConfigFailed  = 2
	exitFailed        = 3

	initMaxOpenConns = 2
)

func main() {
	os.Exit(run())
}

// run attaches to the account's browser, creating a keep-alive session when
// the stored one is missing or dead, and stores the session id only once the
// page shows a logged-in chat input.
func run() int {
	email := strings.TrimSpace(os.Getenv("ACCOUNT_EMAIL"))
	if email == "" {
		fmt.Fprintln(os.Stderr, "ACCOUNT_EMAIL is required")
		return exitConfigFailed
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigFailed
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "initsession")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigFailed
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("accountEmail", email))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, initMaxOpenConns)
	if err != nil {
		logger.Error("postgres initialization failed", zap.Error(err))
		return exitFailed
	}
	defer postgresql.Close(db) //nolint:errcheck

	browserAPI, err := provider.NewBrowserAPI(cfg.BrowserAPIURL, cfg.BrowserAPIKey)
	if err != nil {
		logger.Error("browser api initialization failed", zap.Error(err))
		return exitConfigFailed
	}

	accounts := repository.NewGormAccountRepo(db)
	account, err := accounts.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Printf("no account registered for %s\n", email)
		return exitFailed
	}
	if err != nil {
		logger.Error("failed to load account", zap.Error(err))
		return exitFailed
	}

	connector := session.NewConnector(browserAPI, cfg.ChatBaseURL, cfg.SessionMaxDuration, logger.Named("session"))

	s, err := attach(ctx, connector, browserAPI, *account, logger)
	if err != nil {
		logger.Error("failed to attach browser session", zap.Error(err))
		fmt.Printf("browser session unavailable: %v\n", err)
		return exitFailed
	}
	defer s.Close()

	loggedIn, err := s.Exists(ctx, extractor.DefaultSelectors().Input)
	if err != nil {
		logger.Error("failed to inspect chat page", zap.Error(err))
		return exitFailed
	}
	if !loggedIn {
		fmt.Printf("session %s is not logged in, complete the login in the remote browser and retry\n", *s.Account().BrowserSessionID)
		return exitLoginRequired
	}

	if err := accounts.SetBrowserSession(ctx, account.ID, *s.Account().BrowserSessionID); err != nil {
		logger.Error("failed to store browser session", zap.Error(err))
		return exitFailed
	}

	fmt.Printf("session %s ready for %s\n", *s.Account().BrowserSessionID, email)
	logger.Info("browser session initialized", zap.String("accountId", account.ID))
	return 0
}

func attach(
	ctx context.Context,
	connector *session.Connector,
	browserAPI *provider.BrowserAPI,
	account domain.Account,
	logger *zap.Logger,
) (*session.Session, error) {
	if account.BrowserSessionID != nil && strings.TrimSpace(*account.BrowserSessionID) != "" {
		s, err := connector.Connect(ctx, account)
		if err == nil {
			return s, nil
		}
		logger.Warn("stored browser session unusable, creating a new one", zap.Error(err))
	}

	sessionID, err := browserAPI.CreateSession(ctx, account.ProxyID)
	if err != nil {
		return nil, fmt.Errorf("create browser session: %w", err)
	}
	account.BrowserSessionID = &sessionID
	return connector.Connect(ctx, account)
}
