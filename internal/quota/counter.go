package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is an in-process GlobalCounter. Only the current period is kept.
type MemoryCounter struct {
	mu     sync.Mutex
	period time.Time
	used   uint32
}

// NewMemoryCounter constructs a MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Reserve implements GlobalCounter.
func (c *MemoryCounter) Reserve(_ context.Context, periodStart time.Time, units, limit uint32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(periodStart)
	if uint64(c.used)+uint64(units) > uint64(limit) {
		return false, nil
	}
	c.used += units
	return true, nil
}

// Release implements GlobalCounter.
func (c *MemoryCounter) Release(_ context.Context, periodStart time.Time, units uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.period.Equal(periodStart) {
		return nil
	}
	if units >= c.used {
		c.used = 0
		return nil
	}
	c.used -= units
	return nil
}

// Used returns the units reserved in periodStart.
func (c *MemoryCounter) Used(periodStart time.Time) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.period.Equal(periodStart) {
		return 0
	}
	return c.used
}

func (c *MemoryCounter) roll(periodStart time.Time) {
	if periodStart.After(c.period) {
		c.period = periodStart
		c.used = 0
	}
}
