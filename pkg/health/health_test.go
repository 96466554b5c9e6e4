package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/txrelay/pkg/metrics"
	"github.com/cmatc13/txrelay/pkg/service"
)

type healthResponse struct {
	Status Status `json:"status"`
	Checks map[string]struct {
		Status  Status `json:"status"`
		Message string `json:"message"`
		Error   string `json:"error"`
	} `json:"checks"`
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)

	var body healthResponse
	if path == "/health" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthUp(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	reg := NewRegistry(nil, m)
	reg.Register("broker", BrokerChecker("redis", "localhost:6379", func(context.Context) error { return nil }))
	reg.Register("ledger", LedgerChecker("localhost:50051", func(context.Context) error { return nil }))

	rec, body := get(t, NewServer(0, reg, m, nil).Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, StatusUp, body.Status)
	assert.Equal(t, StatusUp, body.Checks["ledger"].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DependencyUp.WithLabelValues("broker")))
}

func TestHealthDown(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	reg := NewRegistry(nil, m)
	reg.Register("broker", BrokerChecker("kafka", "localhost:9092", func(context.Context) error { return nil }))
	reg.Register("ledger", LedgerChecker("localhost:50051", func(context.Context) error { return errors.New("connection refused") }))

	assert.False(t, reg.IsHealthy(context.Background()))

	rec, body := get(t, NewServer(0, reg, m, nil).Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, StatusDown, body.Status)
	assert.Equal(t, "connection refused", body.Checks["ledger"].Error)
	assert.Contains(t, body.Checks["ledger"].Message, "Ledger gateway at localhost:50051 is unhealthy")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DependencyUp.WithLabelValues("ledger")))
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register("svc", ServiceChecker("relay-adapter", func(context.Context) error { return errors.New("stopped") }))
	assert.False(t, reg.IsHealthy(context.Background()))

	reg.Unregister("svc")
	assert.True(t, reg.IsHealthy(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	h := NewServer(0, NewRegistry(nil, m), m, nil).Handler()

	get(t, h, "/health")
	rec, _ := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `txrelay_http_request_total{method="GET",path="/health",status="200"} 1`)
}

func TestRateLimit(t *testing.T) {
	h := NewServer(0, NewRegistry(nil, nil), nil, nil).Handler()
	for i := 0; i < requestLimit; i++ {
		rec, _ := get(t, h, "/health")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(0, NewRegistry(nil, nil), metrics.New(metrics.DefaultConfig()), nil)
	assert.Equal(t, service.StatusStopped, s.Status())
	assert.Error(t, s.Health())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, service.StatusRunning, s.Status())
	assert.NoError(t, s.Health())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, service.StatusStopped, s.Status())
	require.NoError(t, s.Stop(context.Background()))
}
