// Package collyfetcher implements the reachability check behind URL
// verification using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/policy/ratelimit"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 2 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
	RobotsTTL     time.Duration
}

// Option customizes a Checker.
type Option func(*Checker)

// WithLimiter paces requests per host.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Checker) { c.limiter = l }
}

// WithTransport replaces the HTTP transport used for pages and robots.txt.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Checker) { c.transport = rt }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Checker implements indexing.ReachabilityChecker using the Colly collector.
type Checker struct {
	cfg           Config
	transport     http.RoundTripper
	limiter       *ratelimit.Limiter
	logger        *zap.Logger
	robots        *robotsPolicy
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

var _ indexing.ReachabilityChecker = (*Checker)(nil)

// New builds a Checker.
func New(cfg Config, opts ...Option) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := &Checker{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = newHTTPTransport()
	}

	base := colly.NewCollector(colly.Async(false))
	base.AllowURLRevisit = true
	// robots.txt is evaluated by robotsPolicy so a disallow can be reported
	// as a permanent verdict instead of a collector error.
	base.IgnoreRobotsTxt = true
	base.ParseHTTPErrorResponse = true
	base.MaxBodySize = cfg.MaxBodyBytes
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	base.WithTransport(c.transport)
	base.SetRequestTimeout(cfg.Timeout)
	c.baseCollector = base

	if cfg.RespectRobots {
		client := &http.Client{Transport: c.transport, Timeout: cfg.Timeout}
		c.robots = newRobotsPolicy(client, cfg.UserAgent, cfg.RobotsTTL, c.logger)
	}
	return c
}

// Check fetches rawURL once and reports whether it can be submitted for
// indexing. Transport failures are returned as errors; HTTP-level answers
// become results.
func (c *Checker) Check(ctx context.Context, rawURL string) (indexing.ReachabilityResult, error) {
	target, err := validateURL(rawURL)
	if err != nil {
		return indexing.ReachabilityResult{Permanent: true, Diagnostic: err.Error()}, nil
	}
	if c.robots != nil && !c.robots.Allowed(ctx, target) {
		return indexing.ReachabilityResult{
			Permanent:  true,
			FinalURL:   rawURL,
			Diagnostic: "blocked by robots.txt",
		}, nil
	}
	if err := c.limiter.Wait(ctx, rawURL); err != nil {
		return indexing.ReachabilityResult{}, fmt.Errorf("wait for host slot: %w", err)
	}

	var (
		page     fetchedPage
		fetchErr error
	)
	collector := c.baseCollector.Clone()
	c.configureCollectorHooks(collector, &page, &fetchErr)
	if err := c.runCollector(ctx, collector, target.String(), &fetchErr); err != nil {
		return indexing.ReachabilityResult{}, err
	}
	return evaluate(page), nil
}

type fetchedPage struct {
	finalURL   *url.URL
	statusCode int
	headers    http.Header
	body       []byte
}

func (c *Checker) configureCollectorHooks(hooks collectorHooks, page *fetchedPage, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = fetchedPage{
			finalURL:   r.Request.URL,
			statusCode: r.StatusCode,
			body:       append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			page.headers = r.Headers.Clone()
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		// With ParseHTTPErrorResponse set, errors that still carry a status
		// are HTTP answers rather than transport failures.
		if r != nil && r.StatusCode > 0 {
			*page = fetchedPage{finalURL: r.Request.URL, statusCode: r.StatusCode}
			if r.Headers != nil {
				page.headers = r.Headers.Clone()
			}
			return
		}
		*fetchErr = err
	})
}

func (c *Checker) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly check canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func evaluate(page fetchedPage) indexing.ReachabilityResult {
	res := indexing.ReachabilityResult{StatusCode: page.statusCode}
	if page.finalURL != nil {
		res.FinalURL = page.finalURL.String()
	}
	switch {
	case page.statusCode == 0:
		res.Diagnostic = "no response received"
		return res
	case page.statusCode >= 200 && page.statusCode < 300:
	case isPermanentStatus(page.statusCode):
		res.Permanent = true
		res.Diagnostic = fmt.Sprintf("http %d", page.statusCode)
		return res
	default:
		res.Diagnostic = fmt.Sprintf("http %d", page.statusCode)
		return res
	}

	if reason := inspectSignature(page); reason != "" {
		res.Permanent = true
		res.Diagnostic = reason
		return res
	}
	res.OK = true
	return res
}

func isPermanentStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

func validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	return u, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
