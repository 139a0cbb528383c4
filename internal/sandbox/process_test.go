package sandbox

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/governor"
)

const testRuntimeEnv = "SKETCHBOX_TEST_RUNTIME"

// TestMain lets the test binary double as the child runtime.
func TestMain(m *testing.M) {
	if os.Getenv(testRuntimeEnv) == "1" {
		if err := ServeRuntime(context.Background(), os.Stdin, os.Stdout, zap.NewNop()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newProcessManager(t *testing.T) *Manager {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process isolation is tested on unix")
	}
	return newTestManager(t, func(o *Options) {
		o.SetupTimeout = 10 * time.Second
		o.Provisioner = &ProcessProvisioner{
			Path: os.Args[0],
			Args: []string{"-test.run=^$"},
			Env:  []string{testRuntimeEnv + "=1"},
		}
	})
}

func TestProcessIsolation(t *testing.T) {
	m := newProcessManager(t)
	assert.Equal(t, IsolationProcess, m.Isolation())

	tests := []struct {
		name   string
		code   string
		status Status
	}{
		{"draws", "createCanvas(50, 50); circle(25, 25, 10);", StatusSuccess},
		{"throws", "throw new Error('bad sketch')", StatusError},
		{"loops", "for (;;) {}", StatusFunctionLimit},
		{"reads environment", "process.env.HOME", StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := m.Execute(context.Background(), ExecutionRequest{Code: tt.code})
			require.NoError(t, err)
			assert.Equal(t, tt.status, result.Status)
			require.NoError(t, m.Reset())
		})
	}
}

func TestProcessForcedDestroy(t *testing.T) {
	m := newProcessManager(t)

	result, err := m.Execute(context.Background(), ExecutionRequest{
		Code:             "while (true) {}",
		Timeout:          200 * time.Millisecond,
		MaxFunctionCalls: governor.CeilingFunctionCalls,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)

	// The boundary is usable, or replaced, for the next run
	require.NoError(t, m.Reset())
	result, err = m.Execute(context.Background(), ExecutionRequest{Code: "point(1, 2);"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestProcessCreateMissingBinary(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.Provisioner = &ProcessProvisioner{Path: "/nonexistent/sketchbox"}
	})

	var loadErr *LoadError
	assert.ErrorAs(t, m.Create(context.Background()), &loadErr)
}
