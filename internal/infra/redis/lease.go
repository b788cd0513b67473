package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// AccountLocker hands out exclusive, expiring account leases.
type AccountLocker struct {
	client *goredis.Client
	ttl    time.Duration
	prefix string
}

func NewAccountLocker(client *goredis.Client, ttl time.Duration) (*AccountLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &AccountLocker{client: client, ttl: ttl, prefix: "account:lease:"}, nil
}

func (l *AccountLocker) key(accountID string) string {
	return l.prefix + accountID
}

// TryLock returns the lease token, or "" when another holder owns the account.
func (l *AccountLocker) TryLock(ctx context.Context, accountID string) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(accountID), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (l *AccountLocker) Refresh(ctx context.Context, accountID, token string) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key(accountID)}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lease: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (l *AccountLocker) Unlock(ctx context.Context, accountID, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(accountID)}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}
