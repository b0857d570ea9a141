package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncSequence("patient", false)
	m.IncTransition("verify", "ok")
	m.IncReconciliation("instrument", "matched")
	m.ObserveDispatch("ok", time.Millisecond)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncSequence("barcode", true)
	m.IncSequence("barcode", true)
	m.IncTransition("release", "conflict")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SequenceAllocations.WithLabelValues("barcode", "global")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("release", "conflict")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/requests/:id", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests/abc", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `route="/api/v1/requests/:id"`))
}
