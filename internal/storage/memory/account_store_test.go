package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

func TestAccountStoreConsumeNeverOverdraws(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	period := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewAccountStore(indexing.ServiceAccount{
		ID:               "acct",
		QuotaLimitPerDay: 50,
		QuotaPeriodStart: period,
	})

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ConsumeQuota(ctx, "acct", 1, period)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(50), granted.Load())
	acct, err := store.Get(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, uint32(50), acct.QuotaUsedInPeriod)
}

func TestAccountStoreLazyReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	yesterday := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	today := yesterday.AddDate(0, 0, 1)
	store := NewAccountStore(indexing.ServiceAccount{
		ID:                "acct",
		QuotaLimitPerDay:  10,
		QuotaUsedInPeriod: 10,
		QuotaPeriodStart:  yesterday,
	})

	ok, err := store.ConsumeQuota(ctx, "acct", 1, yesterday)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.ConsumeQuota(ctx, "acct", 1, today)
	require.NoError(t, err)
	require.True(t, ok)

	acct, err := store.Get(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, uint32(1), acct.QuotaUsedInPeriod)
	require.Equal(t, today, acct.QuotaPeriodStart)

	require.NoError(t, store.ReleaseQuota(ctx, "acct", 5, today))
	acct, err = store.Get(ctx, "acct")
	require.NoError(t, err)
	require.Zero(t, acct.QuotaUsedInPeriod)
}

func TestAccountStoreDeletedAccountsAreNotAllocated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	period := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewAccountStore(
		indexing.ServiceAccount{ID: "a", QuotaLimitPerDay: 10, CreatedAt: period},
		indexing.ServiceAccount{ID: "b", QuotaLimitPerDay: 10, CreatedAt: period.Add(time.Second)},
	)
	require.NoError(t, store.SoftDelete(ctx, "a", period))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "b", active[0].ID)

	ok, err := store.ConsumeQuota(ctx, "a", 1, period)
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, deleted.Deleted())

	require.NoError(t, store.ResetQuota(ctx, "b", period))
	require.Error(t, store.Upsert(ctx, indexing.ServiceAccount{ID: "c", QuotaLimitPerDay: 1, QuotaUsedInPeriod: 2}))

	// lowering the limit clamps usage but keeps the deletion stamp
	require.NoError(t, store.Upsert(ctx, indexing.ServiceAccount{ID: "a", QuotaLimitPerDay: 0}))
	deleted, err = store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, deleted.Deleted())
	require.Zero(t, deleted.QuotaLimitPerDay)
}
