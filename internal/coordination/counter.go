package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterTTL keeps a period's key around long enough to cover any time zone.
const counterTTL = 48 * time.Hour

var (
	reserveScript = redis.NewScript(`
		local used = tonumber(redis.call("get", KEYS[1]) or "0")
		local units = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		if used + units > limit then
			return 0
		end
		redis.call("incrby", KEYS[1], units)
		redis.call("pexpire", KEYS[1], ARGV[3])
		return 1
	`)
	releaseScript = redis.NewScript(`
		local used = tonumber(redis.call("get", KEYS[1]) or "0")
		local units = tonumber(ARGV[1])
		if used <= units then
			redis.call("del", KEYS[1])
			return 0
		end
		return redis.call("decrby", KEYS[1], units)
	`)
)

// GlobalCounter implements quota.GlobalCounter with one Redis key per period.
type GlobalCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewGlobalCounter builds a counter whose keys start with prefix.
func NewGlobalCounter(client redis.UniversalClient, prefix string) *GlobalCounter {
	return &GlobalCounter{client: client, prefix: prefix}
}

// Reserve adds units to the period total when it stays within limit.
func (c *GlobalCounter) Reserve(ctx context.Context, periodStart time.Time, units, limit uint32) (bool, error) {
	res, err := reserveScript.Run(ctx, c.client, []string{c.key(periodStart)},
		units, limit, counterTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("reserve global units: %w", err)
	}
	return res == 1, nil
}

// Release gives units back to the period total.
func (c *GlobalCounter) Release(ctx context.Context, periodStart time.Time, units uint32) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(periodStart)}, units).Err(); err != nil {
		return fmt.Errorf("release global units: %w", err)
	}
	return nil
}

// Used returns the units reserved for the period.
func (c *GlobalCounter) Used(ctx context.Context, periodStart time.Time) (uint32, error) {
	n, err := c.client.Get(ctx, c.key(periodStart)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read global units: %w", err)
	}
	return uint32(n), nil
}

func (c *GlobalCounter) key(periodStart time.Time) string {
	return c.prefix + ":global:" + periodStart.UTC().Format(time.RFC3339)
}
