package httpcaller

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/require"
)

func testMetrics(name string) ClientMetrics {
	return ClientMetrics{
		RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: name + "_retry",
		}, []string{"host"}),
		FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: name + "_failure",
		}, []string{"host", "status_code"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name + "_duration",
			Buckets: []float64{.1, 1},
		}, []string{"host"}),
	}
}

func TestHostStatsRecycleOnReuseThreshold(t *testing.T) {
	c := NewClient(testMetrics("reuse"))
	s := &hostStats{client: newHTTPClient(), lastUsed: time.Now(), reuses: reuseThreshold}
	c.byHost["h"] = s
	require.True(t, s.needsRecycle(time.Now()))
}

func TestHostStatsRecycleOnIdleTimeout(t *testing.T) {
	s := &hostStats{lastUsed: time.Now().Add(-idleRecycleThreshold - time.Second)}
	require.True(t, s.needsRecycle(time.Now()))
}

func TestHostStatsRecycleOnLowSuccessRate(t *testing.T) {
	s := &hostStats{attempts: 10, successes: 5, lastUsed: time.Now()}
	require.True(t, s.needsRecycle(time.Now()))
}

func TestHostStatsNoRecycleBelowMinAttempts(t *testing.T) {
	s := &hostStats{attempts: 3, successes: 0, lastUsed: time.Now()}
	require.False(t, s.needsRecycle(time.Now()))
}

func TestStatsForReusesExistingClient(t *testing.T) {
	c := NewClient(testMetrics("statsfor"))
	a := c.statsFor("example.com")
	b := c.statsFor("example.com")
	require.Same(t, a.client, b.client)
}
