package types

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", fmt.Errorf("%w: too large", sandbox.ErrInvalidRequest), http.StatusBadRequest, CodeInvalidRequest},
		{"concurrent", sandbox.ErrConcurrentExecution, http.StatusConflict, CodeConcurrent},
		{"state", &sandbox.StateError{Op: "execute", State: sandbox.StatusTimeout}, http.StatusConflict, CodeInvalidState},
		{"pool timeout", sandbox.ErrPoolTimeout, http.StatusServiceUnavailable, CodePoolExhausted},
		{"circuit open", resilience.ErrCircuitOpen, http.StatusServiceUnavailable, CodeCircuitOpen},
		{"half open", resilience.ErrTooManyRequests, http.StatusServiceUnavailable, CodeCircuitOpen},
		{"load", &sandbox.LoadError{Isolation: "process", Err: errors.New("exec")}, http.StatusServiceUnavailable, CodeLoadFailed},
		{"closed", sandbox.ErrPoolClosed, http.StatusServiceUnavailable, CodeUnavailable},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, CodeCancelled},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestExecuteRequestSandbox(t *testing.T) {
	req := ExecuteRequest{Code: "rect(0,0,1,1)", TimeoutMS: 1500, MaxFunctionCalls: 9}.Sandbox()

	assert.Equal(t, "rect(0,0,1,1)", req.Code)
	assert.Equal(t, 1500*time.Millisecond, req.Timeout)
	assert.Equal(t, uint64(9), req.MaxFunctionCalls)
	assert.Zero(t, req.MemoryLimitBytes)
}

func TestExecuteRequestTimeoutSaturates(t *testing.T) {
	tests := []struct {
		name string
		ms   int64
		want time.Duration
	}{
		{"largest exact", maxTimeoutMS, time.Duration(maxTimeoutMS) * time.Millisecond},
		{"overflow", maxTimeoutMS + 1, time.Duration(math.MaxInt64)},
		{"max int64", math.MaxInt64, time.Duration(math.MaxInt64)},
		{"negative passes through", -5, -5 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExecuteRequest{Code: "x", TimeoutMS: tt.ms}.Sandbox().Timeout
			assert.Equal(t, tt.want, got)
			if tt.ms > 0 {
				assert.Positive(t, got)
			}
		})
	}
}
