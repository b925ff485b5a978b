package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, rate, burst float64) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLimiter(rdb, logger, "test:ratelimit", rate, burst)
}

func TestAcquireWithinBurst(t *testing.T) {
	l := newTestLimiter(t, 10, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	l := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Bucket is empty; a short deadline must expire before refill.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(short); !errors.Is(err, ErrWaitCancelled) {
		t.Fatalf("Acquire on empty bucket = %v, want ErrWaitCancelled", err)
	}
}

func TestDisabledLimiterNeverBlocks(t *testing.T) {
	l := newTestLimiter(t, 0, 0)
	for i := 0; i < 10; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
}
