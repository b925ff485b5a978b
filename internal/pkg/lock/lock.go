// Package lock provides the Redis lease that keeps at most one run of a
// given search in flight, across scheduler ticks and manual triggers.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rutorbot:run:lock:"

// Lease release only deletes the key when it still holds our token, so an
// expired lease re-acquired by another run is never released from here.
const releaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker hands out per-search run leases backed by Redis SETNX.
type Locker struct {
	rdb     *redis.Client
	ttl     time.Duration
	release *redis.Script
}

// Lease is a held run lock. Release it when the run finishes.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// NewLocker creates a Locker whose leases expire after ttl, so a crashed
// worker cannot block a search forever.
func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{
		rdb:     rdb,
		ttl:     ttl,
		release: redis.NewScript(releaseLua),
	}
}

// Acquire tries to take the run lock for a search. It returns (nil, false,
// nil) when another run already holds it.
func (l *Locker) Acquire(ctx context.Context, searchID uint) (*Lease, bool, error) {
	key := fmt.Sprintf("%s%d", keyPrefix, searchID)
	token := newToken()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{locker: l, key: key, token: token}, true, nil
}

// Release frees the lease if this holder still owns it.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return nil
	}
	if err := le.locker.release.Run(ctx, le.locker.rdb, []string{le.key}, le.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

func newToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
