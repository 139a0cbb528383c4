package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/GriffinCanCode/sketchbox/internal/api/http"
	"github.com/GriffinCanCode/sketchbox/internal/api/types"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
)

func newTestClient(url string) *Client {
	return New(Options{
		BaseURL:      url,
		Timeout:      5 * time.Second,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
}

func TestAgainstServer(t *testing.T) {
	pool := sandbox.NewPool(sandbox.PoolOptions{Size: 1})
	defer pool.Close()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	apihttp.NewHandlers(pool, monitoring.NewMetrics(nil), nil, nil).Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	result, err := c.Execute(ctx, types.ExecuteRequest{Code: "createCanvas(20, 10); rect(0, 0, 5, 5);"})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusSuccess, result.Status)
	require.NotNil(t, result.Render)
	assert.Equal(t, 20, result.Render.Width)

	result, err = c.Execute(ctx, types.ExecuteRequest{Code: "fetch('https://example.com')"})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusError, result.Status)

	history, err := c.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history.Entries, 2)
	assert.Equal(t, 2, history.Stats.Count)

	caps, err := c.Capabilities(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, caps)

	_, err = c.Execute(ctx, types.ExecuteRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, types.CodeInvalidRequest, apiErr.Code)
	assert.ErrorIs(t, err, sandbox.ErrInvalidRequest)
}

func TestRetriesOverload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"busy","code":"pool_exhausted"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"exec_1","status":"success"}`))
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).Execute(context.Background(), types.ExecuteRequest{Code: "1"})
	require.NoError(t, err)
	assert.Equal(t, "exec_1", result.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"concurrent", http.StatusConflict, `{"error":"x","code":"concurrent_execution"}`, sandbox.ErrConcurrentExecution},
		{"pool exhausted", http.StatusServiceUnavailable, `{"error":"x","code":"pool_exhausted"}`, sandbox.ErrPoolTimeout},
		{"circuit open", http.StatusServiceUnavailable, `{"error":"x","code":"circuit_open"}`, resilience.ErrCircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Execute(context.Background(), types.ExecuteRequest{Code: "1"})
			assert.ErrorIs(t, err, tt.target)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTeapot, apiErr.Status)
	assert.Equal(t, types.CodeInternal, apiErr.Code)
}

func TestPropagatesTrace(t *testing.T) {
	var traceID, spanID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = r.Header.Get(tracing.TraceHeader)
		spanID = r.Header.Get(tracing.SpanHeader)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	ctx := tracing.WithSpan(context.Background(), "trace-1", "span-1")
	require.NoError(t, newTestClient(srv.URL).Health(ctx))
	assert.Equal(t, "trace-1", traceID)
	assert.Equal(t, "span-1", spanID)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 5; i++ {
		var apiErr *APIError
		require.ErrorAs(t, c.Health(context.Background()), &apiErr)
	}
	assert.Equal(t, resilience.StateOpen, c.BreakerState())
	assert.ErrorIs(t, c.Health(context.Background()), resilience.ErrCircuitOpen)
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 10; i++ {
		assert.Error(t, c.Health(context.Background()))
	}
	assert.Equal(t, resilience.StateClosed, c.BreakerState())
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.Default().Client, nil)
	assert.Equal(t, "http://localhost:8000", c.resty.BaseURL)
	assert.Equal(t, 3, c.resty.RetryCount)
}
