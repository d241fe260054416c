package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/clock/manual"
	"github.com/JakeFAU/url-indexer/internal/config"
	"github.com/JakeFAU/url-indexer/internal/id/uuid"
	"github.com/JakeFAU/url-indexer/internal/indexapi"
	"github.com/JakeFAU/url-indexer/internal/indexing"
	memorystore "github.com/JakeFAU/url-indexer/internal/storage/memory"
)

func TestParseURLList(t *testing.T) {
	t.Parallel()

	input := `# seed list
https://example.com/a
https://example.com/b, updated, 7

https://example.com/c,,3
`
	entries, err := ParseURLList(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []ImportEntry{
		{URL: "https://example.com/a", Type: indexing.URLTypeNew},
		{URL: "https://example.com/b", Type: indexing.URLTypeUpdated, Priority: 7},
		{URL: "https://example.com/c", Type: indexing.URLTypeNew, Priority: 3},
	}, entries)
}

func TestParseURLListRejectsBadLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "relative url", input: "/just/a/path\n", want: "invalid url"},
		{name: "ftp scheme", input: "ftp://example.com/file\n", want: "invalid url"},
		{name: "unknown type", input: "https://example.com,deleted\n", want: "unknown url type"},
		{name: "bad priority", input: "https://example.com,new,high\n", want: "invalid priority"},
		{name: "too many fields", input: "https://example.com,new,1,extra\n", want: "expected 1 to 3 fields"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseURLList(strings.NewReader(tt.input))
			require.ErrorContains(t, err, tt.want)
			require.ErrorContains(t, err, "line 1")
		})
	}
}

func TestImportEntriesCreatesPendingItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := memorystore.NewURLStore()

	n, err := importEntries(ctx, repo, uuid.New(), manual.New(now), []ImportEntry{
		{URL: "https://example.com/a", Type: indexing.URLTypeNew, Priority: 2},
		{URL: "https://example.com/b", Type: indexing.URLTypeUpdated},
	}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	items, err := repo.Select(ctx, indexing.Selection{Statuses: []indexing.Status{indexing.StatusPending}})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "https://example.com/a", items[0].URL)
	require.Equal(t, now, items[0].CreatedAt)
	require.Zero(t, items[0].Attempts)
	require.NotEqual(t, items[0].ID, items[1].ID)

	n, err = importEntries(ctx, repo, uuid.New(), manual.New(now), nil, zap.NewNop())
	require.NoError(t, err)
	require.Zero(t, n)
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>page</title></head><body>hello</body></html>`)
	}))
	t.Cleanup(site.Close)
	return site
}

func newIndexingAPI(t *testing.T, published *atomic.Int32) *httptest.Server {
	t.Helper()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v3/urlNotifications:publish":
			published.Add(1)
			fmt.Fprint(w, `{"urlNotificationMetadata":{"url":"x"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v3/urlNotifications/metadata":
			target := r.URL.Query().Get("url")
			fmt.Fprintf(w, `{"url":%q,"latestUpdate":{"url":%q,"type":"URL_UPDATED","notifyTime":"2024-05-01T10:00:00Z"}}`,
				target, target)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(api.Close)
	return api
}

func testConfig(t *testing.T, endpoint string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Pipeline.SettleDelaySeconds = 0
	cfg.Crawler.PerHostRPS = 0
	cfg.Crawler.TimeoutSeconds = 5
	cfg.IndexingAPI.Endpoint = endpoint
	cfg.IndexingAPI.RPS = 0
	cfg.Accounts = []config.AccountConfig{
		{ID: "acct-1", ProjectID: "proj", CredentialRef: "acct-1.json", QuotaLimitPerDay: 10},
	}
	return cfg
}

func TestBuildInMemoryRunsPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	site := newSite(t)
	var published atomic.Int32
	indexAPI := newIndexingAPI(t, &published)

	app, err := Build(ctx, testConfig(t, indexAPI.URL), zap.NewNop(), Options{
		CredentialSource: indexapi.StaticSource{HTTPClient: indexAPI.Client()},
	})
	require.NoError(t, err)
	defer app.Close(ctx)
	require.NoError(t, app.Migrate(ctx))

	n, err := app.Import(ctx, []ImportEntry{{URL: site.URL + "/page", Type: indexing.URLTypeNew}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	run := app.Scheduler().TriggerRun(ctx, false)
	require.Equal(t, indexing.RunCompleted, run.Outcome, run.Error)
	require.Equal(t, 1, run.Crawl.Verified)
	require.Equal(t, 1, run.Submission.Submitted)
	require.Equal(t, 1, run.Inspection.Completed)
	require.Equal(t, int32(1), published.Load())

	counts, err := app.Status().Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[indexing.StatusCompleted])

	acct, err := app.accounts.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), acct.QuotaUsedInPeriod)
}

func TestBuildWithRedisCoordination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	var published atomic.Int32
	indexAPI := newIndexingAPI(t, &published)

	cfg := testConfig(t, indexAPI.URL)
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.KeyPrefix = "test"

	app, err := Build(ctx, cfg, zap.NewNop(), Options{
		CredentialSource: indexapi.StaticSource{HTTPClient: indexAPI.Client()},
	})
	require.NoError(t, err)
	defer app.Close(ctx)

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	run := app.Scheduler().TriggerRun(ctx, true)
	require.Equal(t, indexing.RunCompleted, run.Outcome, run.Error)
	require.False(t, mr.Exists("test:run-lock"))

	mr.Close()
	rec = httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis")
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err := Build(context.Background(), cfg, nil, Options{})
	require.ErrorContains(t, err, "redis ping failed")
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Server.Port = freePort(t)
	cfg.Pipeline.Enabled = false

	app, err := Build(context.Background(), cfg, zap.NewNop(), Options{SkipAccountSeed: true})
	require.NoError(t, err)
	defer app.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l := httptest.NewServer(http.NotFoundHandler())
	addr := l.Listener.Addr().String()
	l.Close()
	var port int
	_, err := fmt.Sscanf(addr[strings.LastIndex(addr, ":")+1:], "%d", &port)
	require.NoError(t, err)
	return port
}
