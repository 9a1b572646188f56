package observability_test

import (
	"LendLedger/internal/observability"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("verbose"))
}

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	// Two instances on separate registries must not collide.
	reg1, reg2 := prometheus.NewRegistry(), prometheus.NewRegistry()
	m1 := observability.NewMetrics(reg1)
	m2 := observability.NewMetrics(reg2)

	m1.OperationsApplied.WithLabelValues("deposit").Inc()
	m2.OperationsApplied.WithLabelValues("deposit")

	assert.Equal(t, float64(1), counterValue(t, reg1, "lend_operations_applied_total"))
	assert.Equal(t, float64(0), counterValue(t, reg2, "lend_operations_applied_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestHealthChecker(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	h.AddCheck("store", func(context.Context) error { return nil })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("nats", func(context.Context) error { return errors.New("disconnected") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}
