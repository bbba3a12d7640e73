// Package discovery implements the HTTP retrieval pipeline for the QoS
// endpoint list: conditional caching (ETag / If-None-Match), Cache-Control
// max-age honoring, retry policy, gzip handling, and cancellation-safe
// in-flight replacement (spec §4.D).
package discovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/multiplay/qosprobe/internal/events"
	"github.com/multiplay/qosprobe/internal/metrics"
	"github.com/multiplay/qosprobe/pkg/types"
)

// State is the discovery client's finite state machine (spec §4.D).
type State int

const (
	NotStarted State = iota
	Running
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "NotStarted"
	}
}

const defaultURLTemplate = "https://qos.multiplay.com/v1/fleets/{fleet}/servers"

// Config holds the static discovery client configuration (spec §6).
type Config struct {
	RequestTimeout     time.Duration
	RequestRetries     int
	FailureCacheTime   time.Duration
	SuccessCacheTime   time.Duration
	ServiceURITemplate string
	UseGzip            bool
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:     5 * time.Second,
		RequestRetries:     2,
		FailureCacheTime:   time.Second,
		SuccessCacheTime:   30 * time.Second,
		ServiceURITemplate: defaultURLTemplate,
		UseGzip:            true,
	}
}

// Dependencies allow test overrides for HTTP client, clock, and logging,
// following the same injection shape as the reference agent's uplink client.
type Dependencies struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *log.Logger
	Metrics    metrics.DiscoveryRecorder
	Events     events.Recorder
}

// Result is what a completed discovery attempt yields: the endpoint list
// (fresh or cache-served) and whether it came from cache.
type Result struct {
	Endpoints []types.Endpoint
	FromCache bool
}

// Client drives one fleet's discovery requests. The zero value is not
// usable; use New.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
	logger     *log.Logger
	limiter    *rate.Limiter
	metrics    metrics.DiscoveryRecorder
	events     events.Recorder

	mu         sync.Mutex
	state      State
	fleetID    string
	etag       string
	cacheUntil time.Time
	cached     []types.Endpoint
	failedAt   time.Time
	cancel     context.CancelFunc
}

// New constructs a discovery Client.
func New(cfg Config, deps Dependencies) *Client {
	if cfg.ServiceURITemplate == "" {
		cfg.ServiceURITemplate = defaultURLTemplate
	}
	if cfg.RequestRetries < 0 {
		cfg.RequestRetries = 0
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoopDiscoveryRecorder{}
	}
	evts := deps.Events
	if evts == nil {
		evts = events.NoopRecorder{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		now:        now,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		metrics:    rec,
		events:     evts,
		state:      NotStarted,
	}
}

// State reports the client's current position in the discovery state
// machine.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cancel aborts any in-flight request and returns the client to
// NotStarted, preserving the cache.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.state == Running {
		c.state = NotStarted
	}
}

// Reset cancels any in-flight request and clears the cache and ETag,
// returning the client to NotStarted (spec §4.D).
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = NotStarted
	c.fleetID = ""
	c.etag = ""
	c.cacheUntil = time.Time{}
	c.cached = nil
	c.failedAt = time.Time{}
}

// Discover runs a single discovery request/cache-lookup to completion,
// blocking until it finishes or ctx is canceled. This is the synchronous
// entry point the orchestrator drives once per cycle (spec §4.F "invokes
// Discovery, waits for completion").
//
// Changing fleetID from the client's last-used value invalidates and
// purges the cache (spec §4.D).
func (c *Client) Discover(ctx context.Context, fleetID string) (Result, error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if fleetID != c.fleetID {
		c.fleetID = fleetID
		c.etag = ""
		c.cacheUntil = time.Time{}
		c.cached = nil
		c.failedAt = time.Time{}
	}

	now := c.now()
	if now.Before(c.cacheUntil) {
		cached := append([]types.Endpoint(nil), c.cached...)
		c.state = Done
		c.mu.Unlock()
		c.metrics.IncCacheHit()
		c.events.Record(types.Event{Type: types.EventDiscoveryCacheHit, Timestamp: now, Key: fleetID})
		return Result{Endpoints: cached, FromCache: true}, nil
	}
	if now.Before(c.failedAt.Add(c.cfg.FailureCacheTime)) {
		c.state = Failed
		c.mu.Unlock()
		return Result{}, fmt.Errorf("discovery: recent failure cached, retry after %s", c.failedAt.Add(c.cfg.FailureCacheTime).Sub(now))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = Running
	etag := c.etag
	c.mu.Unlock()

	endpoints, newETag, maxAge, err := c.fetchWithRetry(runCtx, fleetID, etag)
	superseded := runCtx.Err() != nil && ctx.Err() == nil

	c.mu.Lock()
	defer c.mu.Unlock()
	// A newer Discover/Cancel/Reset call may have already canceled this
	// request and replaced c.cancel; only finalize state if we're still the
	// request that was in flight.
	if superseded {
		return Result{}, fmt.Errorf("discovery: request superseded: %w", context.Canceled)
	}
	c.cancel = nil
	if err != nil {
		c.state = Failed
		c.failedAt = c.now()
		c.metrics.IncFailure()
		c.events.Record(types.Event{Type: types.EventDiscoveryFailed, Timestamp: c.failedAt, Key: fleetID, Details: map[string]any{"error": err.Error()}})
		return Result{}, err
	}

	c.state = Done
	if newETag != "" {
		c.etag = newETag
	}
	if endpoints != nil {
		c.cached = endpoints
	}
	c.cacheUntil = c.now().Add(cacheDuration(maxAge, c.cfg.SuccessCacheTime))

	c.metrics.IncCacheMiss()
	c.events.Record(types.Event{Type: types.EventDiscoveryCacheMiss, Timestamp: c.now(), Key: fleetID})

	return Result{Endpoints: append([]types.Endpoint(nil), c.cached...), FromCache: endpoints == nil}, nil
}

func cacheDuration(maxAge time.Duration, fallback time.Duration) time.Duration {
	if maxAge > 0 {
		return maxAge
	}
	return fallback
}

// fetchWithRetry issues the HTTP GET, retrying network errors and 5xx up to
// cfg.RequestRetries times. endpoints is nil on a 304 (caller keeps the
// existing cache); maxAge is zero when the response carried no Cache-Control
// header.
func (c *Client) fetchWithRetry(ctx context.Context, fleetID, etag string) (endpoints []types.Endpoint, newETag string, maxAge time.Duration, err error) {
	reqURL, err := buildURL(c.cfg.ServiceURITemplate, fleetID)
	if err != nil {
		return nil, "", 0, fmt.Errorf("discovery: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RequestRetries; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, "", 0, err
			}
		}

		endpoints, newETag, maxAge, retryable, err := c.fetchOnce(ctx, reqURL, etag)
		if err == nil {
			return endpoints, newETag, maxAge, nil
		}
		lastErr = err
		if !retryable {
			return nil, "", 0, err
		}
		c.logger.Printf("discovery: attempt %d failed (%v), retrying", attempt+1, err)
	}
	return nil, "", 0, fmt.Errorf("discovery: exhausted %d retries: %w", c.cfg.RequestRetries, lastErr)
}

// fetchOnce performs exactly one HTTP round trip. retryable distinguishes
// a network error or HTTP 5xx (retry) from an HTTP 4xx (terminal).
func (c *Client) fetchOnce(ctx context.Context, reqURL, etag string) (endpoints []types.Endpoint, newETag string, maxAge time.Duration, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", 0, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Qos-Run-Id", uuid.New().String())
	if c.cfg.UseGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", 0, true, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, stripWeakETag(resp.Header.Get("ETag")), parseMaxAge(resp.Header.Get("Cache-Control")), false, nil
	}
	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, "", 0, true, fmt.Errorf("server error: status %s", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, "", 0, false, fmt.Errorf("http error: status %s", resp.Status)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, "", 0, false, fmt.Errorf("read body: %w", err)
	}

	var decoded types.DiscoveryResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, "", 0, false, fmt.Errorf("decode json: %w", err)
	}

	valid := make([]types.Endpoint, 0, len(decoded.Servers))
	for _, ep := range decoded.Servers {
		if err := ep.Validate(); err != nil {
			c.logger.Printf("discovery: dropping invalid server %+v: %v", ep, err)
			continue
		}
		valid = append(valid, ep)
	}

	return valid, stripWeakETag(resp.Header.Get("ETag")), parseMaxAge(resp.Header.Get("Cache-Control")), false, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// stripWeakETag removes a leading W/ weak-validator prefix and surrounding
// quotes, per spec §8 property 9. A non-quoted or unwrapped value passes
// through unchanged (it is "not accepted" as a valid strong ETag, but we
// still forward it verbatim for If-None-Match round-tripping).
func stripWeakETag(raw string) string {
	if raw == "" {
		return ""
	}
	trimmed := strings.TrimPrefix(raw, "W/")
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		return trimmed[1 : len(trimmed)-1]
	}
	return raw
}

func parseMaxAge(cacheControl string) time.Duration {
	if cacheControl == "" {
		return 0
	}
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		const prefix = "max-age="
		if !strings.HasPrefix(strings.ToLower(directive), prefix) {
			continue
		}
		seconds, err := strconv.Atoi(directive[len(prefix):])
		if err != nil || seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func buildURL(template, fleetID string) (string, error) {
	if !strings.Contains(template, "{fleet}") {
		return "", fmt.Errorf("service uri template missing {fleet} placeholder: %q", template)
	}
	return strings.ReplaceAll(template, "{fleet}", url.PathEscape(fleetID)), nil
}
