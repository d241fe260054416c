package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSite(t *testing.T, robotsHits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		if robotsHits != nil {
			robotsHits.Add(1)
		}
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><meta name="robots" content="index, follow"></head><body>hi</body></html>`)
	})
	mux.HandleFunc("/private/page", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "secret")
	})
	mux.HandleFunc("/noindex-meta", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><meta name="robots" content="noindex,follow"></head></html>`)
	})
	mux.HandleFunc("/noindex-header", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Robots-Tag", "googlebot: noindex")
		fmt.Fprint(w, `<html></html>`)
	})
	mux.HandleFunc("/canonical", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><link rel="canonical" href="https://elsewhere.example/page"></head></html>`)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckerVerdicts(t *testing.T) {
	t.Parallel()

	srv := newSite(t, nil)
	checker := New(Config{UserAgent: "indexer-test", RespectRobots: true, Timeout: 2 * time.Second})

	tests := []struct {
		path       string
		ok         bool
		permanent  bool
		statusCode int
		diagnostic string
	}{
		{path: "/ok", ok: true, statusCode: http.StatusOK},
		{path: "/private/page", permanent: true, diagnostic: "blocked by robots.txt"},
		{path: "/noindex-meta", permanent: true, statusCode: http.StatusOK, diagnostic: "noindex in meta robots"},
		{path: "/noindex-header", permanent: true, statusCode: http.StatusOK, diagnostic: "noindex in X-Robots-Tag header"},
		{path: "/canonical", permanent: true, statusCode: http.StatusOK, diagnostic: "canonical points to elsewhere.example"},
		{path: "/gone", permanent: true, statusCode: http.StatusGone, diagnostic: "http 410"},
		{path: "/boom", statusCode: http.StatusServiceUnavailable, diagnostic: "http 503"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			res, err := checker.Check(context.Background(), srv.URL+tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.ok, res.OK)
			assert.Equal(t, tc.permanent, res.Permanent)
			assert.Equal(t, tc.statusCode, res.StatusCode)
			assert.Equal(t, tc.diagnostic, res.Diagnostic)
		})
	}
}

func TestCheckerRejectsMalformedURLs(t *testing.T) {
	t.Parallel()

	checker := New(Config{})
	for _, raw := range []string{"ftp://example.com/file", "not a url", "https://"} {
		res, err := checker.Check(context.Background(), raw)
		require.NoError(t, err, raw)
		require.True(t, res.Permanent, raw)
		require.False(t, res.OK, raw)
	}
}

func TestCheckerReturnsTransportErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/page"
	srv.Close()

	checker := New(Config{Timeout: time.Second})
	_, err := checker.Check(context.Background(), target)
	require.Error(t, err)
}

func TestCheckerHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	checker := New(Config{Timeout: 5 * time.Second})
	_, err := checker.Check(ctx, srv.URL+"/slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRobotsPolicyCachesPerHost(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newSite(t, &hits)
	checker := New(Config{UserAgent: "indexer-test", RespectRobots: true})

	for i := 0; i < 3; i++ {
		res, err := checker.Check(context.Background(), srv.URL+"/ok")
		require.NoError(t, err)
		require.True(t, res.OK)
	}
	require.Equal(t, int32(1), hits.Load())
}

func TestRobotsPolicyAllowsWhenRobotsMissing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)

	policy := newRobotsPolicy(srv.Client(), "indexer-test", time.Minute, zapNop())
	target, err := url.Parse(srv.URL + "/anything")
	require.NoError(t, err)
	require.True(t, policy.Allowed(context.Background(), target))
}

func TestHasNoindex(t *testing.T) {
	t.Parallel()

	require.True(t, hasNoindex("noindex"))
	require.True(t, hasNoindex("NOINDEX, nofollow"))
	require.True(t, hasNoindex("none"))
	require.True(t, hasNoindex("googlebot: noindex"))
	require.False(t, hasNoindex("index, follow"))
	require.False(t, hasNoindex(""))
}

func TestIsTransientNetError(t *testing.T) {
	t.Parallel()

	require.True(t, isTransientNetError(context.DeadlineExceeded))
	require.True(t, isTransientNetError(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	require.False(t, isTransientNetError(fmt.Errorf("parse robots: bad")))
	require.False(t, isTransientNetError(nil))
}

func zapNop() *zap.Logger { return zap.NewNop() }
