package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sketchbox/internal/api/types"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
)

type fakeExecutor struct {
	result *sandbox.ExecutionResult
	err    error
	got    sandbox.ExecutionRequest
	stats  sandbox.PoolStats
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.got = req
	return f.result, f.err
}

func (f *fakeExecutor) History() []sandbox.ExecutionHistoryEntry { return nil }
func (f *fakeExecutor) HistoryStats() sandbox.HistoryStats       { return sandbox.HistoryStats{} }
func (f *fakeExecutor) Stats() sandbox.PoolStats                 { return f.stats }

func setupRouter(pool Executor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandlers(pool, monitoring.NewMetrics(nil), nil, nil).Register(router)
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRoot(t *testing.T) {
	w := do(setupRouter(&fakeExecutor{}), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"sketchbox"`)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		stats      sandbox.PoolStats
		wantStatus int
		wantBody   string
	}{
		{"healthy", sandbox.PoolStats{Size: 2}, http.StatusOK, `"status":"healthy"`},
		{"breaker open", sandbox.PoolStats{Breaker: resilience.StateOpen}, http.StatusServiceUnavailable, `"status":"degraded"`},
		{"closed", sandbox.PoolStats{Closed: true}, http.StatusServiceUnavailable, `"status":"closed"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(setupRouter(&fakeExecutor{stats: tt.stats}), http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestExecuteForwardsRequest(t *testing.T) {
	fake := &fakeExecutor{result: &sandbox.ExecutionResult{ID: "exec_1", Status: sandbox.StatusSuccess}}
	router := setupRouter(fake)

	w := do(router, http.MethodPost, "/v1/executions",
		`{"code":"rect(0,0,1,1)","timeout_ms":250,"memory_limit_bytes":1024,"max_function_calls":5}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "rect(0,0,1,1)", fake.got.Code)
	assert.Equal(t, 250*time.Millisecond, fake.got.Timeout)
	assert.Equal(t, uint64(1024), fake.got.MemoryLimitBytes)
	assert.Equal(t, uint64(5), fake.got.MaxFunctionCalls)

	var result sandbox.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "exec_1", result.ID)
	assert.Equal(t, sandbox.StatusSuccess, result.Status)
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed json", `{"code":`, nil, http.StatusBadRequest, types.CodeInvalidRequest},
		{"missing code", `{}`, nil, http.StatusBadRequest, types.CodeInvalidRequest},
		{"negative timeout", `{"code":"x","timeout_ms":-1}`, nil, http.StatusBadRequest, types.CodeInvalidRequest},
		{"rejected by sandbox", `{"code":"x"}`, sandbox.ErrInvalidRequest, http.StatusBadRequest, types.CodeInvalidRequest},
		{"concurrent", `{"code":"x"}`, sandbox.ErrConcurrentExecution, http.StatusConflict, types.CodeConcurrent},
		{"pool exhausted", `{"code":"x"}`, sandbox.ErrPoolTimeout, http.StatusServiceUnavailable, types.CodePoolExhausted},
		{"circuit open", `{"code":"x"}`, resilience.ErrCircuitOpen, http.StatusServiceUnavailable, types.CodeCircuitOpen},
		{"load failed", `{"code":"x"}`, &sandbox.LoadError{Isolation: "worker", Err: errors.New("no ready")}, http.StatusServiceUnavailable, types.CodeLoadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(setupRouter(&fakeExecutor{err: tt.err}), http.MethodPost, "/v1/executions", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp types.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestExecuteCircuitOpenRetryAfter(t *testing.T) {
	at := time.Now().Add(30 * time.Second)
	tests := []struct {
		name  string
		stats sandbox.PoolStats
		want  string
	}{
		{"retry time known", sandbox.PoolStats{Breaker: resilience.StateOpen, BreakerRetryAt: &at}, "30"},
		{"retry time unknown", sandbox.PoolStats{Breaker: resilience.StateOpen}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &fakeExecutor{err: resilience.ErrCircuitOpen, stats: tt.stats}
			w := do(setupRouter(pool), http.MethodPost, "/v1/executions", `{"code":"x"}`)
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Retry-After"))
		})
	}
}

func TestCapabilities(t *testing.T) {
	router := setupRouter(&fakeExecutor{})

	var all types.CapabilitiesResponse
	w := do(router, http.MethodGet, "/v1/capabilities", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, len(all.Capabilities), all.Count)
	assert.NotZero(t, all.Count)

	var network types.CapabilitiesResponse
	w = do(router, http.MethodGet, "/v1/capabilities?category=network", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &network))
	assert.NotZero(t, network.Count)
	assert.Less(t, network.Count, all.Count)
	for _, c := range network.Capabilities {
		assert.Equal(t, "network", string(c.Category))
	}

	var none types.CapabilitiesResponse
	w = do(router, http.MethodGet, "/v1/capabilities?category=nope", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &none))
	assert.Zero(t, none.Count)
	assert.NotNil(t, none.Capabilities)
}

func TestWithRealPool(t *testing.T) {
	pool := sandbox.NewPool(sandbox.PoolOptions{Size: 1})
	defer pool.Close()

	metrics := monitoring.NewMetrics(nil)
	tracer := tracing.New("sketchbox", nil)
	defer tracer.Close()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandlers(pool.WithMetrics(metrics), metrics, tracer, nil).Register(router)

	w := do(router, http.MethodPost, "/v1/executions", `{"code":"while(true){}"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var result sandbox.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, sandbox.StatusFunctionLimit, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, sandbox.KindFunctionLimit, result.Error.Kind)

	w = do(router, http.MethodGet, "/v1/executions/history", "")
	var history types.HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Entries, 1)
	assert.Equal(t, result.ID, history.Entries[0].ID)
	assert.Equal(t, 1, history.Stats.ByStatus[sandbox.StatusFunctionLimit])

	w = do(router, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"function_limit":1`)
}
