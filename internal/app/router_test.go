package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func TestHealthzReportsDependencies(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: &Config{AppEnv: "test"},
		Checks: map[string]Pinger{
			"postgres": PingFunc(func(context.Context) error { return nil }),
			"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "ok", body["postgres"])
	require.Equal(t, "connection refused", body["redis"])
}

func TestRouterServesMetricsAndJobs(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Config:     &Config{AppEnv: "test"},
		Metrics:    metrics,
		JobHandler: jobs.NewHandler(nil, nil),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"pending":0`)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), `odyssey_http_requests_total{code="200",route="/healthz"} 1`))
}
