package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

func TestURLStoreSelectOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	store := NewURLStore()
	require.NoError(t, store.Create(ctx,
		indexing.URLItem{ID: "low-old", Priority: 1, CreatedAt: base},
		indexing.URLItem{ID: "high-new", Priority: 5, CreatedAt: base.Add(2 * time.Minute)},
		indexing.URLItem{ID: "high-old", Priority: 5, CreatedAt: base.Add(time.Minute)},
		indexing.URLItem{ID: "done", Priority: 9, CreatedAt: base, Status: indexing.StatusCompleted},
	))

	items, err := store.Select(ctx, indexing.Selection{Statuses: []indexing.Status{indexing.StatusPending}})
	require.NoError(t, err)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	require.Equal(t, []string{"high-old", "high-new", "low-old"}, ids)

	limited, err := store.Select(ctx, indexing.Selection{Statuses: []indexing.Status{indexing.StatusPending}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "high-old", limited[0].ID)
}

func TestURLStoreSelectFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	later := base.Add(time.Hour)
	store := NewURLStore()
	require.NoError(t, store.Create(ctx,
		indexing.URLItem{ID: "due", Status: indexing.StatusRetrying, RetryAt: &base, CreatedAt: base},
		indexing.URLItem{ID: "not-due", Status: indexing.StatusRetrying, RetryAt: &later, CreatedAt: base},
		indexing.URLItem{ID: "fresh", Status: indexing.StatusSubmitted, CreatedAt: later},
		indexing.URLItem{ID: "settled", Status: indexing.StatusSubmitted, CreatedAt: base},
	))

	due, err := store.Select(ctx, indexing.Selection{
		Statuses: []indexing.Status{indexing.StatusRetrying},
		DueBy:    base.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "due", due[0].ID)

	settled, err := store.Select(ctx, indexing.Selection{
		Statuses:           []indexing.Status{indexing.StatusSubmitted},
		TransitionedBefore: base.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, settled, 1)
	require.Equal(t, "settled", settled[0].ID)
}

func TestURLStoreCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewURLStore()
	require.NoError(t, store.Create(ctx, indexing.URLItem{ID: "u1"}))
	require.Error(t, store.Create(ctx, indexing.URLItem{ID: "u1"}))

	item, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusPending, item.Status)

	claimed := item
	claimed.Status = indexing.StatusVerifying
	rec := indexing.Transition{URLID: "u1", From: indexing.StatusPending, To: indexing.StatusVerifying}
	require.NoError(t, store.CompareAndSwap(ctx, indexing.StatusPending, claimed, rec))
	require.ErrorIs(t, store.CompareAndSwap(ctx, indexing.StatusPending, claimed, rec), indexing.ErrStatusConflict)

	missing := claimed
	missing.ID = "nope"
	require.ErrorIs(t, store.CompareAndSwap(ctx, indexing.StatusPending, missing, rec), indexing.ErrNotFound)

	history, err := store.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	history[0].Reason = "modified"
	again, err := store.History(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, again[0].Reason, "expected History to return a copy")

	count, err := store.CountByStatus(ctx, indexing.StatusVerifying, indexing.StatusPending)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, indexing.ErrNotFound)
}
