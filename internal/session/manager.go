package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"go.uber.org/zap"
)

const candidateLimit = 50

// AccountStore is the subset of the account repository the manager needs.
type AccountStore interface {
	ListEligible(ctx context.Context, criteria domain.AccountCriteria, limit int) ([]domain.Account, error)
	MarkUsed(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, maxFailures int) (bool, error)
	RecordSuccess(ctx context.Context, id string) error
}

// Locker hands out exclusive per-account leases. TryLock returns an empty
// token when the account is already held.
type Locker interface {
	TryLock(ctx context.Context, accountID string) (string, error)
	Refresh(ctx context.Context, accountID, token string) error
	Unlock(ctx context.Context, accountID, token string) error
}

// Lease is exclusive use of one account for the duration of a run.
type Lease struct {
	Account    domain.Account
	Token      string
	AcquiredAt time.Time
}

type Manager struct {
	accounts    AccountStore
	locker      Locker
	maxFailures int
	logger      *zap.Logger
	now         func() time.Time
}

func NewManager(accounts AccountStore, locker Locker, maxFailures int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		accounts:    accounts,
		locker:      locker,
		maxFailures: maxFailures,
		logger:      logger,
		now:         time.Now,
	}
}

// Acquire leases the least recently used eligible account matching criteria.
// It returns domain.ErrNoEligibleAccount when every candidate is ineligible or held.
func (m *Manager) Acquire(ctx context.Context, criteria domain.AccountCriteria) (*Lease, error) {
	candidates, err := m.accounts.ListEligible(ctx, criteria, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("list eligible accounts: %w", err)
	}

	for _, account := range candidates {
		token, err := m.locker.TryLock(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		if token == "" {
			m.logger.Debug("account already leased", zap.String("accountId", account.ID))
			continue
		}

		now := m.now().UTC()
		if err := m.accounts.MarkUsed(ctx, account.ID, now); err != nil {
			m.logger.Warn("failed to mark account used", zap.String("accountId", account.ID), zap.Error(err))
		}

		m.logger.Info("account leased", zap.String("accountId", account.ID), zap.String("email", account.Email))
		return &Lease{Account: account, Token: token, AcquiredAt: now}, nil
	}

	return nil, domain.ErrNoEligibleAccount
}

func (m *Manager) KeepAlive(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return m.locker.Refresh(ctx, lease.Account.ID, lease.Token)
}

// Release gives the account back. Releasing a lease that already expired is not an error.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	err := m.locker.Unlock(ctx, lease.Account.ID, lease.Token)
	if errors.Is(err, domain.ErrLeaseLost) {
		m.logger.Warn("lease expired before release", zap.String("accountId", lease.Account.ID))
		return nil
	}
	return err
}

func (m *Manager) RecordFailure(ctx context.Context, accountID string) error {
	ineligible, err := m.accounts.RecordFailure(ctx, accountID, m.maxFailures)
	if err != nil {
		return err
	}
	if ineligible {
		m.logger.Warn("account marked ineligible after consecutive failures",
			zap.String("accountId", accountID),
			zap.Int("maxFailures", m.maxFailures),
		)
	}
	return nil
}

func (m *Manager) RecordSuccess(ctx context.Context, accountID string) error {
	return m.accounts.RecordSuccess(ctx, accountID)
}
