package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// AccountStore is an in-memory indexing.AccountRepository. Quota mutations are
// serialized by a single mutex, which makes ConsumeQuota linearizable.
type AccountStore struct {
	mu       sync.Mutex
	accounts map[string]indexing.ServiceAccount
}

// NewAccountStore constructs an AccountStore seeded with accounts.
func NewAccountStore(accounts ...indexing.ServiceAccount) *AccountStore {
	s := &AccountStore{accounts: make(map[string]indexing.ServiceAccount, len(accounts))}
	for _, acct := range accounts {
		s.accounts[acct.ID] = cloneAccount(acct)
	}
	return s
}

// Upsert inserts an account or refreshes the descriptive fields of an
// existing one. Usage is clamped to the new limit.
func (s *AccountStore) Upsert(_ context.Context, acct indexing.ServiceAccount) error {
	if acct.ID == "" {
		return fmt.Errorf("account id is required")
	}
	if acct.QuotaUsedInPeriod > acct.QuotaLimitPerDay {
		return fmt.Errorf("account %s: used quota exceeds limit", acct.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[acct.ID]; ok {
		existing.ProjectID = acct.ProjectID
		existing.CredentialRef = acct.CredentialRef
		existing.QuotaLimitPerDay = acct.QuotaLimitPerDay
		if existing.QuotaUsedInPeriod > acct.QuotaLimitPerDay {
			existing.QuotaUsedInPeriod = acct.QuotaLimitPerDay
		}
		s.accounts[acct.ID] = existing
		return nil
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	s.accounts[acct.ID] = cloneAccount(acct)
	return nil
}

// SoftDelete stamps the account's deletion time.
func (s *AccountStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return indexing.ErrNotFound
	}
	ts := at
	acct.DeletedAt = &ts
	s.accounts[id] = acct
	return nil
}

// ListActive returns non-deleted accounts ordered by creation time.
func (s *AccountStore) ListActive(_ context.Context) ([]indexing.ServiceAccount, error) {
	s.mu.Lock()
	out := make([]indexing.ServiceAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if acct.Deleted() {
			continue
		}
		out = append(out, cloneAccount(acct))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get fetches an account by ID.
func (s *AccountStore) Get(_ context.Context, id string) (indexing.ServiceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return indexing.ServiceAccount{}, indexing.ErrNotFound
	}
	return cloneAccount(acct), nil
}

// ConsumeQuota adds units to the account's used counter when the limit allows it.
func (s *AccountStore) ConsumeQuota(_ context.Context, id string, units uint32, periodStart time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return false, indexing.ErrNotFound
	}
	if acct.Deleted() {
		return false, nil
	}
	used := acct.UsedAt(periodStart)
	if uint64(used)+uint64(units) > uint64(acct.QuotaLimitPerDay) {
		return false, nil
	}
	acct.QuotaUsedInPeriod = used + units
	if acct.QuotaPeriodStart.Before(periodStart) {
		acct.QuotaPeriodStart = periodStart
	}
	s.accounts[id] = acct
	return true, nil
}

// ReleaseQuota gives units back within the current period.
func (s *AccountStore) ReleaseQuota(_ context.Context, id string, units uint32, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return indexing.ErrNotFound
	}
	if acct.QuotaPeriodStart.Before(periodStart) {
		return nil
	}
	if units >= acct.QuotaUsedInPeriod {
		acct.QuotaUsedInPeriod = 0
	} else {
		acct.QuotaUsedInPeriod -= units
	}
	s.accounts[id] = acct
	return nil
}

// ResetQuota zeroes the used counter.
func (s *AccountStore) ResetQuota(_ context.Context, id string, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return indexing.ErrNotFound
	}
	acct.QuotaUsedInPeriod = 0
	acct.QuotaPeriodStart = periodStart
	s.accounts[id] = acct
	return nil
}

func cloneAccount(acct indexing.ServiceAccount) indexing.ServiceAccount {
	if acct.DeletedAt != nil {
		ts := *acct.DeletedAt
		acct.DeletedAt = &ts
	}
	return acct
}
