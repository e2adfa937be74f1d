package lock_test

import (
	"context"
	"testing"
	"time"

	"dmecoord/internal/lock"
)

func TestLocalSingleHolder(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := lock.NewLocal(func() time.Time { return now })
	ctx := context.Background()

	lease, ok, err := l.Acquire(ctx, "scan", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "scan", time.Minute); ok {
		t.Fatalf("second holder acquired a held lock")
	}
	if _, ok, _ := l.Acquire(ctx, "other", time.Minute); !ok {
		t.Fatalf("independent key should be free")
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, "scan", time.Minute); !ok {
		t.Fatalf("released lock not reacquired")
	}
}

func TestLocalExpiredLeaseDoesNotDropNewHolder(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := lock.NewLocal(func() time.Time { return now })
	ctx := context.Background()

	stale, _, _ := l.Acquire(ctx, "scan", time.Minute)
	now = now.Add(2 * time.Minute)
	if _, ok, _ := l.Acquire(ctx, "scan", time.Minute); !ok {
		t.Fatalf("expired lock not reacquired")
	}
	_ = stale.Release(ctx)
	if _, ok, _ := l.Acquire(ctx, "scan", time.Minute); ok {
		t.Fatalf("stale release dropped the current holder")
	}
}

func TestRedisUnreachableReturnsError(t *testing.T) {
	r := lock.NewRedis(lock.RedisOptions{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond, MaxRetries: -1})
	defer r.Close()
	if _, ok, err := r.Acquire(context.Background(), "scan", time.Minute); err == nil || ok {
		t.Fatalf("expected connection error, got ok=%v err=%v", ok, err)
	}
}
