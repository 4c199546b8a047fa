package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyReportsDependencies(t *testing.T) {
	h := NewHandler(time.Now().Add(-time.Minute), "postgres", ":8080")
	h.AddCheck("database", PingFunc(func(context.Context) error { return nil }))
	h.AddCheck("nil", nil)

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body readinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Dependencies["database"].Reachable)
	assert.NotContains(t, body.Dependencies, "nil")
	assert.GreaterOrEqual(t, body.UptimeSec, int64(60))
}

func TestReadyDegradesWhenDependencyIsDown(t *testing.T) {
	h := NewHandler(time.Now(), "postgres", ":8080")
	h.AddCheck("redis", PingFunc(func(context.Context) error { return errors.New("connection refused") }))

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	h.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsExposition(t *testing.T) {
	h := NewHandler(time.Now(), "memory", ":8080")
	h.AddCheck("redis", PingFunc(func(context.Context) error { return errors.New("down") }))
	h.SetQuoteCount(func() int { return 7 })

	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/health/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, body, `marginbook_dependency_up{name="redis"} 0`)
	assert.Contains(t, body, "marginbook_cached_quotes 7")
}
