package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveJob("posts/publish", "ok", 120*time.Millisecond)
	m.ObserveJob("posts/publish", "ok", time.Second)
	m.ObservePublish("twitter", "posted")
	m.SignatureFailure()
	m.RateLimitRetry("linkedin")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues("posts/publish", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.postsPublished.WithLabelValues("twitter", "posted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signatureFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitRetries.WithLabelValues("linkedin")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveJob("x", "ok", time.Second)
		m.ObserveGeneration("completed", 3)
		m.ObservePublish("twitter", "posted")
		m.RateLimitRetry("twitter")
		m.SignatureFailure()
		m.DuplicateDelivery()
		m.ObserveSweep("publish", time.Second)
	})
}
