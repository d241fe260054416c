package indexing

import (
	"context"
	"time"
)

// Selection filters URL items for a stage batch.
type Selection struct {
	Statuses []Status
	// TransitionedBefore, when non-zero, keeps items whose last transition is
	// strictly older.
	TransitionedBefore time.Time
	// DueBy, when non-zero, keeps items whose RetryAt is unset or not after it.
	DueBy time.Time
	// Limit caps the result; zero or negative means no cap.
	Limit int
}

// URLRepository persists URL items and their transition history.
type URLRepository interface {
	// Select returns items matching sel, ordered by priority descending, then
	// creation time ascending, then ID.
	Select(ctx context.Context, sel Selection) ([]URLItem, error)
	// CountByStatus counts items in any of the statuses.
	CountByStatus(ctx context.Context, statuses ...Status) (int, error)
	// CompareAndSwap stores item only if the stored status still equals expected,
	// appending rec to the history in the same unit of work. It returns
	// ErrStatusConflict when the stored status moved.
	CompareAndSwap(ctx context.Context, expected Status, item URLItem, rec Transition) error
	// Get returns a single item.
	Get(ctx context.Context, id string) (URLItem, error)
	// History returns the transitions recorded for an item, oldest first.
	History(ctx context.Context, id string) ([]Transition, error)
	// Create inserts new items.
	Create(ctx context.Context, items ...URLItem) error
}

// AccountRepository persists service accounts and their quota counters.
type AccountRepository interface {
	// ListActive returns accounts without a deletion timestamp.
	ListActive(ctx context.Context) ([]ServiceAccount, error)
	// Get returns one account, deleted or not.
	Get(ctx context.Context, id string) (ServiceAccount, error)
	// ConsumeQuota atomically adds units to the used counter of a non-deleted
	// account when the result stays within its limit. An account whose last
	// reset predates periodStart is reset as part of the same operation.
	ConsumeQuota(ctx context.Context, id string, units uint32, periodStart time.Time) (bool, error)
	// ReleaseQuota subtracts units from the used counter, flooring at zero.
	ReleaseQuota(ctx context.Context, id string, units uint32, periodStart time.Time) error
	// ResetQuota zeroes the used counter and stamps periodStart.
	ResetQuota(ctx context.Context, id string, periodStart time.Time) error
}

// ReachabilityResult is what a reachability check learned about a URL.
type ReachabilityResult struct {
	OK         bool
	StatusCode int
	FinalURL   string
	Diagnostic string
	// Permanent marks negative results that retrying cannot change, such as a
	// robots.txt exclusion or a noindex directive.
	Permanent bool
}

// ReachabilityChecker performs the network fetch behind URL verification.
// A non-nil error means the check itself failed (network, timeout).
type ReachabilityChecker interface {
	Check(ctx context.Context, rawURL string) (ReachabilityResult, error)
}

// Outcome is the upstream view of a previously submitted URL.
type Outcome struct {
	Processed  bool
	StatusCode int
	NotifiedAt *time.Time
	Detail     string
}

// IndexingClient talks to the external search-engine indexing API.
type IndexingClient interface {
	// Publish submits the URL using the credential. Any error is a transport-level failure.
	Publish(ctx context.Context, credentialRef string, item URLItem) error
	// Inspect queries the processing outcome of a submitted URL.
	Inspect(ctx context.Context, credentialRef string, rawURL string) (Outcome, error)
}

// SettingsProvider yields the current settings snapshot.
type SettingsProvider interface {
	Snapshot(ctx context.Context) (Settings, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// StatusReader exposes per-URL state and queue sizes to reporting surfaces.
type StatusReader interface {
	URLStatus(ctx context.Context, id string) (URLHistory, error)
	Counts(ctx context.Context) (map[Status]int, error)
}
