// Package quota decides which service account may submit next and reserves
// daily quota units atomically.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// GlobalCounter tracks submissions across all accounts for one quota period.
type GlobalCounter interface {
	// Reserve adds units to the period total when the result stays within limit.
	Reserve(ctx context.Context, periodStart time.Time, units, limit uint32) (bool, error)
	// Release gives units back to the period total.
	Release(ctx context.Context, periodStart time.Time, units uint32) error
}

// Ledger wraps an AccountRepository with candidate selection and period handling.
type Ledger struct {
	accounts indexing.AccountRepository
	global   GlobalCounter
	clock    indexing.Clock
	logger   *zap.Logger
	loc      *time.Location
	dailyCap uint32
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithGlobalCounter sets the counter backing the requests-per-day cap.
func WithGlobalCounter(counter GlobalCounter) Option {
	return func(l *Ledger) {
		if counter != nil {
			l.global = counter
		}
	}
}

// WithLogger sets the ledger logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger constructs a Ledger. Without a global counter an in-process one is used.
func NewLedger(accounts indexing.AccountRepository, clock indexing.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		accounts: accounts,
		global:   NewMemoryCounter(),
		clock:    clock,
		logger:   zap.NewNop(),
		loc:      time.UTC,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithSettings returns a copy of the ledger bound to the snapshot's time zone
// and global cap.
func (l *Ledger) WithSettings(settings indexing.Settings) *Ledger {
	cp := *l
	cp.loc = settings.Loc()
	cp.dailyCap = settings.RequestsPerDayCap
	return &cp
}

// CurrentPeriod returns the start of the active quota period.
func (l *Ledger) CurrentPeriod() time.Time {
	return indexing.PeriodStart(l.clock.Now(), l.loc)
}

// TryConsume reserves units on the account. It never overdraws.
func (l *Ledger) TryConsume(ctx context.Context, accountID string, units uint32) (bool, error) {
	ok, err := l.accounts.ConsumeQuota(ctx, accountID, units, l.CurrentPeriod())
	if err != nil {
		return false, fmt.Errorf("consume quota for %s: %w", accountID, err)
	}
	return ok, nil
}

// Release returns units reserved by TryConsume that were never spent.
func (l *Ledger) Release(ctx context.Context, accountID string, units uint32) error {
	if err := l.accounts.ReleaseQuota(ctx, accountID, units, l.CurrentPeriod()); err != nil {
		return fmt.Errorf("release quota for %s: %w", accountID, err)
	}
	return nil
}

// Reset zeroes the account's usage for the current period.
func (l *Ledger) Reset(ctx context.Context, accountID string) error {
	if err := l.accounts.ResetQuota(ctx, accountID, l.CurrentPeriod()); err != nil {
		return fmt.Errorf("reset quota for %s: %w", accountID, err)
	}
	return nil
}

// SelectCandidate returns the active account with the most remaining quota,
// ties broken by earliest creation. Excluded and exhausted accounts are skipped.
func (l *Ledger) SelectCandidate(ctx context.Context, excluding map[string]struct{}) (string, bool, error) {
	accounts, err := l.accounts.ListActive(ctx)
	if err != nil {
		return "", false, fmt.Errorf("list accounts: %w", err)
	}
	period := l.CurrentPeriod()
	var (
		best     indexing.ServiceAccount
		bestLeft uint32
		haveBest bool
	)
	for _, acct := range accounts {
		if acct.Deleted() {
			continue
		}
		if _, skip := excluding[acct.ID]; skip {
			continue
		}
		left := acct.RemainingAt(period)
		if left == 0 {
			continue
		}
		if !haveBest || better(acct, left, best, bestLeft) {
			best, bestLeft, haveBest = acct, left, true
		}
	}
	if !haveBest {
		return "", false, nil
	}
	return best.ID, true, nil
}

func better(a indexing.ServiceAccount, aLeft uint32, b indexing.ServiceAccount, bLeft uint32) bool {
	if aLeft != bLeft {
		return aLeft > bLeft
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ActiveAccounts counts accounts eligible for allocation.
func (l *Ledger) ActiveAccounts(ctx context.Context) (int, error) {
	accounts, err := l.accounts.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	return len(accounts), nil
}

// Lookup returns the account record, used to resolve credentials.
func (l *Ledger) Lookup(ctx context.Context, accountID string) (indexing.ServiceAccount, error) {
	acct, err := l.accounts.Get(ctx, accountID)
	if err != nil {
		return indexing.ServiceAccount{}, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return acct, nil
}

// ReserveGlobal reserves units against the requests-per-day cap. A zero cap
// means unlimited.
func (l *Ledger) ReserveGlobal(ctx context.Context, units uint32) (bool, error) {
	if l.dailyCap == 0 {
		return true, nil
	}
	ok, err := l.global.Reserve(ctx, l.CurrentPeriod(), units, l.dailyCap)
	if err != nil {
		return false, fmt.Errorf("reserve global quota: %w", err)
	}
	if !ok {
		l.logger.Debug("global daily cap reached", zap.Uint32("cap", l.dailyCap))
	}
	return ok, nil
}

// ReleaseGlobal undoes a ReserveGlobal.
func (l *Ledger) ReleaseGlobal(ctx context.Context, units uint32) error {
	if l.dailyCap == 0 {
		return nil
	}
	if err := l.global.Release(ctx, l.CurrentPeriod(), units); err != nil {
		return fmt.Errorf("release global quota: %w", err)
	}
	return nil
}
