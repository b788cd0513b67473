package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/extractor"
	"go.uber.org/zap"
)

const (
	defaultMaxDuration = 15 * time.Minute
	freshnessMargin    = 2 * time.Minute
)

// DebuggerResolver maps a remote browser session id to its websocket endpoint.
type DebuggerResolver interface {
	DebuggerURL(ctx context.Context, sessionID string) (string, error)
}

// tab is one attached page of the remote browser.
type tab interface {
	extractor.Page
	Location(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	// Close drops the websocket. The remote browser and its pages stay alive.
	Close()
}

type dialFunc func(ctx context.Context, wsURL string) (tab, error)

// Connector opens sessions against the remote browser provider.
type Connector struct {
	resolver    DebuggerResolver
	baseURL     string
	maxDuration time.Duration
	logger      *zap.Logger
	now         func() time.Time
	dial        dialFunc
}

func NewConnector(resolver DebuggerResolver, baseURL string, maxDuration time.Duration, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDuration <= 0 {
		maxDuration = defaultMaxDuration
	}

	return &Connector{
		resolver:    resolver,
		baseURL:     strings.TrimSpace(baseURL),
		maxDuration: maxDuration,
		logger:      logger,
		now:         time.Now,
		dial:        dialChromedp,
	}
}

// Connect attaches to the account's long-lived browser and makes sure the
// page is on the conversational service.
func (c *Connector) Connect(ctx context.Context, account domain.Account) (*Session, error) {
	if account.BrowserSessionID == nil || strings.TrimSpace(*account.BrowserSessionID) == "" {
		return nil, fmt.Errorf("%w: account %s has no browser session", domain.ErrValidation, account.ID)
	}

	s := &Session{
		connector: c,
		account:   account,
		logger:    c.logger.With(zap.String("accountId", account.ID)),
	}
	if err := s.Reconnect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Session is a websocket connection to one account's remote browser. It
// implements extractor.Page against the attached tab.
type Session struct {
	connector   *Connector
	account     domain.Account
	logger      *zap.Logger
	mu          sync.Mutex
	tab         tab
	connectedAt time.Time
}

func (s *Session) Account() domain.Account {
	return s.account
}

// Reconnect drops the current connection, if any, and attaches again.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tab != nil {
		s.tab.Close()
		s.tab = nil
	}

	wsURL, err := s.connector.resolver.DebuggerURL(ctx, *s.account.BrowserSessionID)
	if err != nil {
		return fmt.Errorf("%w: resolve debugger url: %v", domain.ErrSessionTimeout, err)
	}

	t, err := s.connector.dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("%w: attach to browser: %v", domain.ErrSessionTimeout, err)
	}

	if base := s.connector.baseURL; base != "" {
		loc, err := t.Location(ctx)
		if err != nil || !strings.HasPrefix(loc, base) {
			if err := t.Navigate(ctx, base); err != nil {
				t.Close()
				return fmt.Errorf("navigate to %s: %w", base, err)
			}
		}
	}

	s.tab = t
	s.connectedAt = s.connector.now()
	s.logger.Info("browser session connected")
	return nil
}

// EnsureFresh reconnects when the connection is close to the provider's
// duration cap.
func (s *Session) EnsureFresh(ctx context.Context) error {
	if !s.stale() {
		return nil
	}
	s.logger.Info("browser connection near duration cap, reconnecting")
	return s.Reconnect(ctx)
}

func (s *Session) stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tab == nil {
		return true
	}

	limit := s.connector.maxDuration - freshnessMargin
	if limit <= 0 {
		limit = s.connector.maxDuration * 4 / 5
	}
	return s.connector.now().Sub(s.connectedAt) >= limit
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tab != nil {
		s.tab.Close()
		s.tab = nil
	}
}

func (s *Session) current() (tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tab == nil {
		return nil, fmt.Errorf("%w: session is not connected", domain.ErrSessionTimeout)
	}
	return s.tab, nil
}

func (s *Session) Fill(ctx context.Context, selector, text string) error {
	t, err := s.current()
	if err != nil {
		return err
	}
	return t.Fill(ctx, selector, text)
}

func (s *Session) Click(ctx context.Context, selector string) error {
	t, err := s.current()
	if err != nil {
		return err
	}
	return t.Click(ctx, selector)
}

func (s *Session) Exists(ctx context.Context, selector string) (bool, error) {
	t, err := s.current()
	if err != nil {
		return false, err
	}
	return t.Exists(ctx, selector)
}

func (s *Session) Responses(ctx context.Context, selector string) (int, string, error) {
	t, err := s.current()
	if err != nil {
		return 0, "", err
	}
	return t.Responses(ctx, selector)
}

func (s *Session) Links(ctx context.Context) ([]string, error) {
	t, err := s.current()
	if err != nil {
		return nil, err
	}
	return t.Links(ctx)
}
