package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const defaultRobotsTTL = time.Hour

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// robotsPolicy answers robots.txt questions per host with a TTL cache.
type robotsPolicy struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	backoff   []time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]robotsEntry
	now   func() time.Time
}

func newRobotsPolicy(client *http.Client, userAgent string, ttl time.Duration, logger *zap.Logger) *robotsPolicy {
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	return &robotsPolicy{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		backoff:   robotsRetryBackoff,
		logger:    logger,
		cache:     make(map[string]robotsEntry),
		now:       time.Now,
	}
}

// Allowed reports whether the user agent may fetch target. Robots files that
// cannot be fetched or parsed allow access.
func (r *robotsPolicy) Allowed(ctx context.Context, target *url.URL) bool {
	data, err := r.load(ctx, target)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", target.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return group.Test(path)
}

func (r *robotsPolicy) load(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(target.Scheme + "://" + target.Host)
	r.mu.Lock()
	entry, ok := r.cache[hostKey]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		return entry.data, nil
	}

	robotsURL := url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	data, err := r.fetchWithRetry(ctx, robotsURL.String())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[hostKey] = robotsEntry{data: data, fetchedAt: r.now()}
	r.mu.Unlock()
	return data, nil
}

func (r *robotsPolicy) fetchWithRetry(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	maxAttempts := len(r.backoff) + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		data, err := r.fetch(ctx, robotsURL)
		if err == nil {
			return data, nil
		}
		if !isTransientNetError(err) {
			return nil, err
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, r.backoff[attempt]); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("robots fetch exhausted retries: %w", lastErr)
}

func (r *robotsPolicy) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
