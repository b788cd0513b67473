package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerMinute int64 = 10
	backoffStep                 = 500 * time.Millisecond
	backoffMax                  = 5 * time.Second
	windowSeconds               = 60
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*SubmissionLimiter)(nil)

// SubmissionLimiter caps prompt submissions per account in fixed one-minute
// windows. The window is shared across worker processes through Redis.
type SubmissionLimiter struct {
	client         *goredis.Client
	limitPerMinute int64
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	script         *goredis.Script
}

func NewSubmissionLimiter(client *goredis.Client, limitPerMinute int) (*SubmissionLimiter, error) {
	return newSubmissionLimiter(
		client,
		int64(limitPerMinute),
		time.Now,
		sleepWithContext,
	)
}

func newSubmissionLimiter(
	client *goredis.Client,
	limitPerMinute int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*SubmissionLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerMinute <= 0 {
		limitPerMinute = defaultLimitPerMinute
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &SubmissionLimiter{
		client:         client,
		limitPerMinute: limitPerMinute,
		now:            nowFn,
		sleep:          sleepFn,
		script:         allowScript,
	}, nil
}

func (l *SubmissionLimiter) Allow(ctx context.Context, accountID string) (bool, error) {
	if l == nil || l.client == nil || l.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	account := strings.ToLower(strings.TrimSpace(accountID))
	if account == "" {
		return false, fmt.Errorf("account id is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	window := l.now().UTC().Unix() / windowSeconds
	key := fmt.Sprintf("ratelimit:submit:%s:%d", account, window)
	result, err := l.script.Run(ctx, l.client, []string{key}, l.limitPerMinute, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until a submission slot is available or ctx ends.
func (l *SubmissionLimiter) Wait(ctx context.Context, accountID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		allowed, err := l.Allow(ctx, accountID)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
