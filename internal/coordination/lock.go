// Package coordination provides Redis-backed primitives that keep several
// indexer processes from overlapping runs or overspending the global cap.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed holder can block other processes.
const DefaultLockTTL = 10 * time.Minute

// ErrLockNotHeld is returned when releasing or extending a lock held by someone else.
var ErrLockNotHeld = errors.New("lock not held")

var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RunLock is a token-guarded Redis lock around pipeline runs.
type RunLock struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// NewRunLock builds a lock on key. A non-positive ttl uses DefaultLockTTL.
func NewRunLock(client redis.UniversalClient, key string, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RunLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *RunLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return ok, nil
}

// Extend pushes the expiry out by the lock TTL while it is still held.
func (l *RunLock) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend run lock: %w", err)
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Unlock releases the lock if this instance holds it.
func (l *RunLock) Unlock(ctx context.Context) error {
	res, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Key returns the lock key.
func (l *RunLock) Key() string {
	return l.key
}
