package scheduler_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-indexer/internal/clock/manual"
	"github.com/JakeFAU/url-indexer/internal/crawl"
	"github.com/JakeFAU/url-indexer/internal/id/uuid"
	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/inspection"
	"github.com/JakeFAU/url-indexer/internal/quota"
	"github.com/JakeFAU/url-indexer/internal/scheduler"
	"github.com/JakeFAU/url-indexer/internal/storage/memory"
	"github.com/JakeFAU/url-indexer/internal/submission"
)

type siteChecker map[string]indexing.ReachabilityResult

func (s siteChecker) Check(_ context.Context, rawURL string) (indexing.ReachabilityResult, error) {
	return s[rawURL], nil
}

// unstableAPI rejects publishes for the URLs in failing and reports every
// other URL as processed.
type unstableAPI struct {
	failing map[string]bool
}

func (a unstableAPI) Publish(_ context.Context, _ string, item indexing.URLItem) error {
	if a.failing[item.URL] {
		return &indexing.CallError{StatusCode: http.StatusServiceUnavailable, Message: "backend unavailable"}
	}
	return nil
}

func (a unstableAPI) Inspect(context.Context, string, string) (indexing.Outcome, error) {
	return indexing.Outcome{Processed: true}, nil
}

type fixedSettings struct{ settings indexing.Settings }

func (f fixedSettings) Snapshot(context.Context) (indexing.Settings, error) {
	return f.settings, nil
}

func TestRepeatedRunsReachTerminalStates(t *testing.T) {
	t.Parallel()

	// A failed attempt takes two runs: one submits, the next inspects once
	// the transition has aged.
	const (
		maxAttempts = 3
		runBound    = 2 * (maxAttempts + 1)
	)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := manual.New(start)

	urls := memory.NewURLStore()
	require.NoError(t, urls.Create(ctx,
		indexing.URLItem{ID: "flaky", URL: "https://example.com/flaky", Status: indexing.StatusPending, CreatedAt: start},
		indexing.URLItem{ID: "gone", URL: "https://example.com/gone", Status: indexing.StatusPending, CreatedAt: start.Add(time.Second)},
		indexing.URLItem{ID: "ok", URL: "https://example.com/ok", Status: indexing.StatusPending, CreatedAt: start.Add(2 * time.Second)},
	))
	accounts := memory.NewAccountStore(indexing.ServiceAccount{
		ID:               "acct",
		CredentialRef:    "acct.json",
		QuotaLimitPerDay: 100,
		QuotaPeriodStart: start.Truncate(24 * time.Hour),
		CreatedAt:        start.Add(-time.Hour),
	})
	ledger := quota.NewLedger(accounts, clock)

	checker := siteChecker{
		"https://example.com/flaky": {OK: true, StatusCode: http.StatusOK},
		"https://example.com/ok":    {OK: true, StatusCode: http.StatusOK},
		"https://example.com/gone":  {StatusCode: http.StatusGone, Permanent: true, Diagnostic: "gone"},
	}
	api := unstableAPI{failing: map[string]bool{"https://example.com/flaky": true}}

	stages := scheduler.Stages{
		Crawler:   crawl.New(urls, checker, clock, crawl.Config{}, nil),
		Submitter: submission.New(urls, ledger, api, clock, nil),
		Inspector: inspection.New(urls, ledger, api, clock, inspection.Config{MaxAttempts: maxAttempts}, nil),
	}
	sched, err := scheduler.New(urls, stages, fixedSettings{indexing.Settings{Enabled: true}}, clock, uuid.New(), scheduler.Config{})
	require.NoError(t, err)

	allTerminal := func() bool {
		for _, id := range []string{"flaky", "gone", "ok"} {
			item, err := urls.Get(ctx, id)
			require.NoError(t, err)
			if !indexing.IsTerminal(item.Status) {
				return false
			}
		}
		return true
	}

	runs := 0
	for !allTerminal() {
		require.Less(t, runs, runBound, "items still in flight after %d runs", runs)
		run := sched.TriggerRun(ctx, false)
		require.Equal(t, indexing.RunCompleted, run.Outcome)
		runs++

		flaky, err := urls.Get(ctx, "flaky")
		require.NoError(t, err)
		require.LessOrEqual(t, flaky.Attempts, maxAttempts)
		// Past any backoff delay, so every retry is due on the next run.
		clock.Advance(25 * time.Hour)
	}

	flaky, err := urls.Get(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusFailedPermanent, flaky.Status)
	require.Equal(t, maxAttempts, flaky.Attempts)

	gone, err := urls.Get(ctx, "gone")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusFailedVerification, gone.Status)
	require.Zero(t, gone.Attempts)

	ok, err := urls.Get(ctx, "ok")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusCompleted, ok.Status)
}
