package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/inventory"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Provision("ok", inventory.PoolCSV, time.Millisecond)
		m.Fallthrough(inventory.PoolAPI, "unavailable")
		m.Compensation("release")
		m.ObserveHealth(inventory.Health{})
		m.Job("refresh", nil)
		m.HTTPRequest("GET", "/healthz", 200, time.Millisecond)
	})
}

func TestObserveHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveHealth(inventory.Health{
		Pool:         inventory.PoolCSV,
		BrandID:      "amazon",
		Denomination: decimal.NewFromInt(25),
		Available:    4,
		Total:        50,
		Status:       inventory.HealthCritical,
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(m.inventoryAvailable.WithLabelValues("csv", "amazon", "25.00")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.inventoryTotal.WithLabelValues("csv", "amazon", "25.00")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inventoryStatus.WithLabelValues("csv", "amazon", "25.00", "critical")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inventoryStatus.WithLabelValues("csv", "amazon", "25.00", "healthy")))
}

func TestCountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Provision("provisioned", inventory.PoolBuffer, 10*time.Millisecond)
	m.Provision("provisioned", inventory.PoolBuffer, 10*time.Millisecond)
	m.Job("expire", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.provisions.WithLabelValues("provisioned", "buffer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps.WithLabelValues("expire", "error")))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "credit_engine_provisioning_redemptions_total")
}
