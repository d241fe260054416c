package crawl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-indexer/internal/clock/manual"
	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/storage/memory"
)

type scriptedChecker struct {
	mu      sync.Mutex
	results map[string][]checkStep
	calls   map[string]int
}

type checkStep struct {
	res indexing.ReachabilityResult
	err error
}

func newScriptedChecker() *scriptedChecker {
	return &scriptedChecker{results: make(map[string][]checkStep), calls: make(map[string]int)}
}

func (c *scriptedChecker) script(url string, steps ...checkStep) {
	c.results[url] = steps
}

func (c *scriptedChecker) Check(_ context.Context, url string) (indexing.ReachabilityResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.calls[url]
	c.calls[url]++
	steps := c.results[url]
	if len(steps) == 0 {
		return indexing.ReachabilityResult{OK: true, StatusCode: 200}, nil
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n].res, steps[n].err
}

func (c *scriptedChecker) callCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[url]
}

type failingSelectRepo struct {
	*memory.URLStore
}

func (failingSelectRepo) Select(context.Context, indexing.Selection) ([]indexing.URLItem, error) {
	return nil, errors.New("connection refused")
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memory.URLStore, items ...indexing.URLItem) {
	t.Helper()
	for i := range items {
		if items[i].CreatedAt.IsZero() {
			items[i].CreatedAt = t0.Add(time.Duration(i) * time.Second)
		}
	}
	require.NoError(t, store.Create(context.Background(), items...))
}

func TestProcessPendingURLsVerifiesReachableURLs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	seed(t, store,
		indexing.URLItem{ID: "a", URL: "https://example.com/a", Priority: 1},
		indexing.URLItem{ID: "b", URL: "https://example.com/b", Priority: 5},
	)
	stage := New(store, newScriptedChecker(), manual.New(t0), Config{}, nil)

	summary, err := stage.ProcessPendingURLs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Selected)
	require.Equal(t, 2, summary.Verified)

	for _, id := range []string{"a", "b"} {
		item, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, indexing.StatusVerified, item.Status)
		history, err := store.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, indexing.StatusVerifying, history[0].To)
	}

	count, err := stage.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestProcessPendingURLsRespectsBatchOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	seed(t, store,
		indexing.URLItem{ID: "low", URL: "https://example.com/low", Priority: 1},
		indexing.URLItem{ID: "high", URL: "https://example.com/high", Priority: 9},
	)
	stage := New(store, newScriptedChecker(), manual.New(t0), Config{}, nil)

	summary, err := stage.ProcessPendingURLs(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Verified)

	high, err := store.Get(ctx, "high")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusVerified, high.Status)
	low, err := store.Get(ctx, "low")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusPending, low.Status)
}

func TestInternalRetriesDoNotCountAsAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	seed(t, store, indexing.URLItem{ID: "flaky", URL: "https://example.com/flaky", Attempts: 2})
	checker := newScriptedChecker()
	checker.script("https://example.com/flaky",
		checkStep{res: indexing.ReachabilityResult{StatusCode: 503, Diagnostic: "http 503"}},
		checkStep{err: errors.New("dial tcp: i/o timeout")},
		checkStep{res: indexing.ReachabilityResult{StatusCode: 502, Diagnostic: "http 502"}},
	)
	stage := New(store, checker, manual.New(t0), Config{Attempts: 3}, nil)

	summary, err := stage.ProcessPendingURLs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 3, checker.callCount("https://example.com/flaky"))

	item, err := store.Get(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusFailedVerification, item.Status)
	require.Equal(t, 2, item.Attempts)
	require.Equal(t, "http 502", item.LastError)
	require.Equal(t, 502, item.LastErrorCode)
	require.Equal(t, indexing.CategoryTransient, item.FailureCategory)
}

func TestInternalRetryRecovers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	seed(t, store, indexing.URLItem{ID: "u", URL: "https://example.com/u"})
	checker := newScriptedChecker()
	checker.script("https://example.com/u",
		checkStep{err: errors.New("connection reset")},
		checkStep{res: indexing.ReachabilityResult{OK: true, StatusCode: 200}},
	)
	stage := New(store, checker, manual.New(t0), Config{}, nil)

	summary, err := stage.ProcessPendingURLs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Verified)
	require.Equal(t, 2, checker.callCount("https://example.com/u"))
}

func TestPermanentVerdictStopsRetrying(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	seed(t, store, indexing.URLItem{ID: "blocked", URL: "https://example.com/private"})
	checker := newScriptedChecker()
	checker.script("https://example.com/private",
		checkStep{res: indexing.ReachabilityResult{Permanent: true, Diagnostic: "blocked by robots.txt"}},
	)
	stage := New(store, checker, manual.New(t0), Config{}, nil)

	summary, err := stage.ProcessPendingURLs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, checker.callCount("https://example.com/private"))

	item, err := store.Get(ctx, "blocked")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusFailedVerification, item.Status)
	require.Equal(t, indexing.CategoryPermanent, item.FailureCategory)
	require.Equal(t, "blocked by robots.txt", item.LastError)
}

func TestOrphanedVerifyingIsReselected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	seed(t, store, indexing.URLItem{ID: "orphan", URL: "https://example.com/o", Status: indexing.StatusVerifying})
	stage := New(store, newScriptedChecker(), manual.New(t0), Config{}, nil)

	summary, err := stage.ProcessPendingURLs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Verified)

	history, err := store.History(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusVerifying, history[0].From)
	require.Equal(t, indexing.StatusVerifying, history[0].To)
}

func TestRepositoryFailureAbortsBatch(t *testing.T) {
	t.Parallel()

	stage := New(failingSelectRepo{memory.NewURLStore()}, newScriptedChecker(), manual.New(t0), Config{}, nil)
	_, err := stage.ProcessPendingURLs(context.Background(), 10)

	var stageErr *indexing.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, "crawl", stageErr.Stage)
}

func TestCanceledContextLeavesItemsForNextRun(t *testing.T) {
	t.Parallel()

	store := memory.NewURLStore()
	seed(t, store, indexing.URLItem{ID: "u", URL: "https://example.com/u"})
	stage := New(store, newScriptedChecker(), manual.New(t0), Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := stage.ProcessPendingURLs(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)

	item, err := store.Get(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusPending, item.Status)
}
