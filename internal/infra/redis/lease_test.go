package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
)

func TestAccountLockerExclusive(t *testing.T) {
	t.Parallel()

	locker, err := NewAccountLocker(newTestRedisClient(t), time.Minute)
	if err != nil {
		t.Fatalf("NewAccountLocker() error = %v", err)
	}
	ctx := context.Background()

	token, err := locker.TryLock(ctx, "acc-1")
	if err != nil || token == "" {
		t.Fatalf("TryLock() = %q, %v; want token", token, err)
	}

	second, err := locker.TryLock(ctx, "acc-1")
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if second != "" {
		t.Fatal("second TryLock() should not get the lease")
	}

	other, err := locker.TryLock(ctx, "acc-2")
	if err != nil || other == "" {
		t.Fatalf("TryLock(acc-2) = %q, %v; want token", other, err)
	}

	if err := locker.Unlock(ctx, "acc-1", token); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	again, err := locker.TryLock(ctx, "acc-1")
	if err != nil || again == "" {
		t.Fatalf("TryLock() after Unlock = %q, %v; want token", again, err)
	}
}

func TestAccountLockerTokenChecked(t *testing.T) {
	t.Parallel()

	locker, err := NewAccountLocker(newTestRedisClient(t), time.Minute)
	if err != nil {
		t.Fatalf("NewAccountLocker() error = %v", err)
	}
	ctx := context.Background()

	token, err := locker.TryLock(ctx, "acc-1")
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}

	if err := locker.Refresh(ctx, "acc-1", "not-mine"); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("Refresh() with wrong token error = %v, want ErrLeaseLost", err)
	}
	if err := locker.Unlock(ctx, "acc-1", "not-mine"); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("Unlock() with wrong token error = %v, want ErrLeaseLost", err)
	}
	if err := locker.Refresh(ctx, "acc-1", token); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
}
