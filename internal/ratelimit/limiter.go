package ratelimit

import "context"

// RateLimiter throttles prompt submissions per account.
type RateLimiter interface {
	Allow(ctx context.Context, accountID string) (bool, error)
	Wait(ctx context.Context, accountID string) error
}

// Noop never throttles.
type Noop struct{}

func (Noop) Allow(context.Context, string) (bool, error) { return true, nil }

func (Noop) Wait(context.Context, string) error { return nil }
