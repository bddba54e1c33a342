package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.IncCycle("entry", "completed")
	m.IncCycle("entry", "completed")
	m.IncCycle("exit", "aborted")
	m.IncDecision("entry", "CASE_A", true)
	m.IncOrderPlaced("IOC", "BUY")
	m.IncGateSkip("entry")
	m.IncAuditDropped()
	m.IncPanic("u1")
	m.SetOpenQuantity("u1", "leg1", 75)
	m.SetRealizedPnL("u1", 12.5)
	m.ObserveBrokerCall("place", 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles.WithLabelValues("entry", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("exit", "aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("entry", "CASE_A", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("IOC", "BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateSkips.WithLabelValues("entry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.panics.WithLabelValues("u1")))
	assert.Equal(t, 75.0, testutil.ToFloat64(m.openQuantity.WithLabelValues("u1", "leg1")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.realizedPnL.WithLabelValues("u1")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.brokerLatency))
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.IncCycle("entry", "completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `box_cycles_total{outcome="completed",phase="entry"} 1`))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncCycle("entry", "completed")
	m.IncDecision("entry", "CASE_B", false)
	m.SetOpenQuantity("u1", "leg1", 1)
	m.ObserveBrokerCall("place", time.Millisecond)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
