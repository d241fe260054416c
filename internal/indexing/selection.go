package indexing

import (
	"sort"
	"time"
)

// Matches reports whether item satisfies the selection filters, ignoring Limit.
func (s Selection) Matches(item URLItem) bool {
	found := false
	for _, status := range s.Statuses {
		if item.Status == status {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if !s.TransitionedBefore.IsZero() && !item.LastTransitionAt.Before(s.TransitionedBefore) {
		return false
	}
	if !s.DueBy.IsZero() && item.RetryAt != nil && item.RetryAt.After(s.DueBy) {
		return false
	}
	return true
}

// SortForSelection orders items by priority descending, then creation time
// ascending, then ID.
func SortForSelection(items []URLItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// PeriodStart returns the tenant-local midnight that opens the quota period
// containing t.
func PeriodStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// NextPeriodStart returns the tenant-local midnight after t.
func NextPeriodStart(t time.Time, loc *time.Location) time.Time {
	start := PeriodStart(t, loc)
	// AddDate keeps wall-clock midnight across DST changes.
	return start.AddDate(0, 0, 1)
}
