// Package httpcaller provides the pooled HTTP client described in §4.1: a
// shared *http.Client with bounded connection pools, per-host health
// counters, and a recycling policy, grounded on clients/callback_client.go's
// retryablehttp wrapping and metrics/monitor_request.go's per-host metrics.
package httpcaller

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/captionscale/transcribe-api/metrics"
)

const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 20
	defaultIdleConnTimeout     = 90 * time.Second

	reuseThreshold       = 10000 // requests a host's client serves before recycling
	idleRecycleThreshold = 10 * time.Minute
	minAttemptsForRate   = 10
	minSuccessRate       = 0.8
)

// hostStats are the per-host counters from §4.1: attempts, successes,
// failures, last-used, reuse-count.
type hostStats struct {
	attempts  int64
	successes int64
	failures  int64
	lastUsed  time.Time
	reuses    int64
	client    *http.Client
	createdAt time.Time
}

func (h *hostStats) successRate() float64 {
	if h.attempts == 0 {
		return 1
	}
	return float64(h.successes) / float64(h.attempts)
}

func (h *hostStats) needsRecycle(now time.Time) bool {
	if h.reuses >= reuseThreshold {
		return true
	}
	if now.Sub(h.lastUsed) >= idleRecycleThreshold {
		return true
	}
	if h.attempts >= minAttemptsForRate && h.successRate() < minSuccessRate {
		return true
	}
	return false
}

// Client is the shared request submitter from §4.1. It exposes only the
// request surface; callers supply timeouts via context and headers on the
// request itself.
type Client struct {
	metrics ClientMetrics
	mu      sync.Mutex
	byHost  map[string]*hostStats

	now func() time.Time
}

// ClientMetrics is the metrics facet Client reports through; tests can
// substitute a no-op implementation.
type ClientMetrics = metrics.ClientMetrics

// NewClient builds a pooled Client reporting through m (typically
// metrics.Metrics.CaptionClient or similar).
func NewClient(m ClientMetrics) *Client {
	return &Client{
		metrics: m,
		byHost:  map[string]*hostStats{},
		now:     time.Now,
	}
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.CheckRetry = metrics.HttpRetryHook
	rc.HTTPClient = &http.Client{Transport: transport}
	return rc.StandardClient()
}

func (c *Client) statsFor(host string) *hostStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, ok := c.byHost[host]
	if ok && !s.needsRecycle(now) {
		s.reuses++
		s.lastUsed = now
		return s
	}

	s = &hostStats{client: newHTTPClient(), createdAt: now, lastUsed: now}
	c.byHost[host] = s
	return s
}

// Do submits req through the pooled client for req.URL.Host, recording
// attempt/success/failure counters and request duration.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	stats := c.statsFor(host)

	// The retry hook on the pooled client reads its counter from the context.
	req = req.WithContext(context.WithValue(req.Context(), metrics.RetriesKey, &metrics.Retries{}))

	start := c.now()
	stats.attempts++
	resp, err := stats.client.Do(req)
	duration := time.Since(start)

	c.metrics.RequestDuration.WithLabelValues(host).Observe(duration.Seconds())
	if err != nil || resp.StatusCode >= 400 {
		stats.failures++
		status := "error"
		if resp != nil {
			status = http.StatusText(resp.StatusCode)
		}
		c.metrics.FailureCount.WithLabelValues(host, status).Inc()
		return resp, err
	}
	stats.successes++
	return resp, nil
}

// DoContext is a convenience wrapper binding ctx onto req before Do.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.Do(req.WithContext(ctx))
}

// HostStats reports a snapshot of a host's health counters, for the async
// health loop / debugging surface referenced in §4.1.
type HostStats struct {
	Attempts     int64
	Successes    int64
	Failures     int64
	LastUsed     time.Time
	Reuses       int64
	SuccessRate  float64
}

func (c *Client) HostStats(host string) (HostStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byHost[host]
	if !ok {
		return HostStats{}, false
	}
	return HostStats{
		Attempts:    s.attempts,
		Successes:   s.successes,
		Failures:    s.failures,
		LastUsed:    s.lastUsed,
		Reuses:      s.reuses,
		SuccessRate: s.successRate(),
	}, true
}
