package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Sandbox.Isolation = "worker"
	cfg.Sandbox.PoolSize = 1
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/executions",
		bytes.NewBufferString(`{"code":"rect(0, 0, 10, 10);"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"success"`)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	for _, path := range []string{"/", "/health", "/v1/stats", "/v1/capabilities", "/v1/executions/history"} {
		assert.Equal(t, http.StatusOK, get(t, h, path, nil).Code, path)
	}

	metrics := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, metrics.Code)
	body := metrics.Body.String()
	assert.Contains(t, body, `sketchbox_executions_total{status="success"} 1`)
	assert.Contains(t, body, `sketchbox_http_requests_total`)
	assert.Contains(t, body, `go_goroutines`)
}

func TestCompression(t *testing.T) {
	s := newTestServer(t, nil)

	w := get(t, s.Handler(), "/v1/capabilities", http.Header{"Accept-Encoding": {"gzip"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(plain), `"capabilities"`)

	plainResp := get(t, s.Handler(), "/v1/capabilities", nil)
	assert.Empty(t, plainResp.Header().Get("Content-Encoding"))
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sandbox.Isolation = "vm"
	_, err := NewServer(cfg, nil)
	assert.Error(t, err)
}

func TestManagerOptions(t *testing.T) {
	cfg := config.Default().Sandbox
	cfg.TimeoutMS = 1200
	cfg.Isolation = "process"

	opts, err := ManagerOptions(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1200*time.Millisecond, opts.Limits.Timeout)
	assert.Equal(t, uint64(1000), opts.Limits.MaxFunctionCalls)
	assert.Equal(t, sandbox.IsolationProcess, opts.Provisioner.Isolation())
	assert.Equal(t, time.Minute, opts.Ceilings.Timeout)
	assert.Equal(t, uint64(1_000_000_000), opts.Ceilings.MaxFunctionCalls)
	assert.Equal(t, 250*time.Millisecond, opts.GracePeriod)
}

func TestServeAndShutdown(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Server.MaxConnections = 4 })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-served)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))
	assert.Nil(t, originChecker([]string{"*"}))

	check := originChecker([]string{"https://studio.example"})
	req := httptest.NewRequest(http.MethodGet, streamPath, nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://studio.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}
