package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/sessionforge/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

// --- HTTP Middleware tests ---

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions", "200")
	beforeHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/api/sessions")

	resp, err := http.Get(server.URL + "/api/sessions")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions", "200")
	afterHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/api/sessions")

	assert.Equal(t, float64(1), afterCount-beforeCount)
	assert.Equal(t, uint64(1), afterHistCount-beforeHistCount)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	// /metrics path should be kept as-is.
	beforeMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), afterMetrics-beforeMetrics)

	// Session-scoped sub-routes collapse the id segment.
	beforeSub := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/api/sessions/{id}/stop", "200")
	resp, err = http.Post(server.URL+"/api/sessions/fix1/stop", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterSub := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/api/sessions/{id}/stop", "200")
	assert.Equal(t, float64(1), afterSub-beforeSub)

	// Bare session id collapses too.
	beforeBare := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions/{id}", "200")
	resp, err = http.Get(server.URL + "/api/sessions/fix1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterBare := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions/{id}", "200")
	assert.Equal(t, float64(1), afterBare-beforeBare)

	// Unrelated paths are grouped as /static.
	beforeStatic := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	resp, err = http.Get(server.URL + "/assets/bundle.js")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterStatic := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	assert.Equal(t, float64(1), afterStatic-beforeStatic)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "404")
	assert.Equal(t, float64(1), afterCount-beforeCount)
}

// --- Business metric tests ---

func TestActiveSessionsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveSessions)
	metrics.ActiveSessions.Inc()
	after := getGaugeValue(t, metrics.ActiveSessions)
	assert.Equal(t, float64(1), after-before)

	metrics.ActiveSessions.Dec()
	afterDec := getGaugeValue(t, metrics.ActiveSessions)
	assert.Equal(t, before, afterDec)
}

func TestNotificationDispatchTotal(t *testing.T) {
	before := getCounterValue(t, metrics.NotificationDispatchTotal, "email", "delivered")
	metrics.NotificationDispatchTotal.WithLabelValues("email", "delivered").Inc()
	after := getCounterValue(t, metrics.NotificationDispatchTotal, "email", "delivered")
	assert.Equal(t, float64(1), after-before)
}

// --- Registry test ---

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
