// Package indexapi is the HTTP client for the search-engine indexing API.
package indexapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
	"github.com/JakeFAU/url-indexer/internal/metrics"
	"github.com/JakeFAU/url-indexer/internal/policy/ratelimit"
)

const (
	// DefaultEndpoint is the public indexing API base URL.
	DefaultEndpoint = "https://indexing.googleapis.com"
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 64 << 10

	notificationUpdated = "URL_UPDATED"
)

// Config controls the API client.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithLimiter paces calls per credential.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client implements indexing.IndexingClient.
type Client struct {
	endpoint string
	timeout  time.Duration
	source   ClientSource
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

var _ indexing.IndexingClient = (*Client)(nil)

// New builds a Client.
func New(cfg Config, source ClientSource, opts ...Option) (*Client, error) {
	if source == nil {
		return nil, fmt.Errorf("client source is required")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		endpoint: endpoint,
		timeout:  timeout,
		source:   source,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type publishRequest struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type notification struct {
	URL        string     `json:"url"`
	Type       string     `json:"type"`
	NotifyTime *time.Time `json:"notifyTime,omitempty"`
}

type notificationMetadata struct {
	URL          string        `json:"url"`
	LatestUpdate *notification `json:"latestUpdate,omitempty"`
	LatestRemove *notification `json:"latestRemove,omitempty"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Publish notifies the API that the item's URL was added or changed.
func (c *Client) Publish(ctx context.Context, credentialRef string, item indexing.URLItem) error {
	body, err := json.Marshal(publishRequest{URL: item.URL, Type: notificationUpdated})
	if err != nil {
		return fmt.Errorf("encode publish request: %w", err)
	}
	resp, err := c.do(ctx, "publish", credentialRef, http.MethodPost, c.endpoint+"/v3/urlNotifications:publish", body)
	if err != nil {
		return err
	}
	c.logger.Debug("url published",
		zap.String("url_id", item.ID),
		zap.String("url", item.URL),
		zap.Int("status", resp.statusCode),
	)
	return nil
}

// Inspect fetches the notification metadata of a submitted URL.
func (c *Client) Inspect(ctx context.Context, credentialRef string, rawURL string) (indexing.Outcome, error) {
	target := c.endpoint + "/v3/urlNotifications/metadata?url=" + url.QueryEscape(rawURL)
	resp, err := c.do(ctx, "inspect", credentialRef, http.MethodGet, target, nil)
	if err != nil {
		return indexing.Outcome{}, err
	}

	var meta notificationMetadata
	if err := json.Unmarshal(resp.body, &meta); err != nil {
		return indexing.Outcome{StatusCode: resp.statusCode, Detail: "unreadable metadata"}, nil
	}
	out := indexing.Outcome{StatusCode: resp.statusCode}
	if meta.LatestUpdate != nil && meta.LatestUpdate.NotifyTime != nil {
		ts := meta.LatestUpdate.NotifyTime.UTC()
		out.Processed = true
		out.NotifiedAt = &ts
		out.Detail = meta.LatestUpdate.Type
	} else {
		out.Detail = "no update notification recorded"
	}
	return out, nil
}

type apiResponse struct {
	statusCode int
	body       []byte
}

func (c *Client) do(ctx context.Context, op, credentialRef, method, target string, payload []byte) (apiResponse, error) {
	httpClient, err := c.source.Client(ctx, credentialRef)
	if err != nil {
		return apiResponse{}, &indexing.CallError{Message: "credential unavailable", Err: err}
	}
	if err := c.limiter.WaitKey(ctx, credentialRef); err != nil {
		return apiResponse{}, &indexing.CallError{Message: "rate limit wait", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return apiResponse{}, fmt.Errorf("new %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		metrics.ObserveAPICall(op, 0)
		return apiResponse{}, &indexing.CallError{Message: op + " request failed", Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close api response body", zap.Error(cerr))
		}
	}()
	metrics.ObserveAPICall(op, resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return apiResponse{}, &indexing.CallError{StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiResponse{}, decodeError(resp.StatusCode, body)
	}
	return apiResponse{statusCode: resp.StatusCode, body: body}, nil
}

func decodeError(status int, body []byte) *indexing.CallError {
	callErr := &indexing.CallError{StatusCode: status, Message: http.StatusText(status)}
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		callErr.Message = parsed.Error.Message
		callErr.Reason = parsed.Error.Status
	}
	return callErr
}
