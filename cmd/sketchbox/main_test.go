package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/GriffinCanCode/sketchbox/internal/api/http"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/capability"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), append([]string{"sketchbox"}, args...), strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), err
}

func parseOutputs(t *testing.T, out string) []runOutput {
	t.Helper()
	var outputs []runOutput
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var o runOutput
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &o))
		outputs = append(outputs, o)
	}
	return outputs
}

func writeSketch(t *testing.T, dir, name, code string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(code), 0o644))
	return path
}

func TestRunGlob(t *testing.T) {
	dir := t.TempDir()
	writeSketch(t, dir, "a.js", "createCanvas(10, 10); rect(0, 0, 1, 1);")
	writeSketch(t, dir, "nested/b.js", "circle(5, 5, 2);")
	writeSketch(t, dir, "notes.txt", "not a sketch")

	out, err := runCLI(t, "", "run", filepath.Join(dir, "**", "*.js"))
	require.NoError(t, err)

	outputs := parseOutputs(t, out)
	require.Len(t, outputs, 2)
	for _, o := range outputs {
		assert.True(t, strings.HasSuffix(o.File, ".js"))
		require.NotNil(t, o.Result)
		assert.Equal(t, sandbox.StatusSuccess, o.Result.Status)
		require.NotNil(t, o.Result.Render)
		assert.Empty(t, o.Result.Render.Commands, "draw commands need --render")
	}
}

func TestRunRender(t *testing.T) {
	path := writeSketch(t, t.TempDir(), "a.js", "line(0, 0, 5, 5);")

	out, err := runCLI(t, "", "run", "--render", path)
	require.NoError(t, err)

	outputs := parseOutputs(t, out)
	require.Len(t, outputs, 1)
	assert.Len(t, outputs[0].Result.Render.Commands, 1)
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		args   []string
		status sandbox.Status
	}{
		{"exception", "throw new Error('nope')", nil, sandbox.StatusError},
		{"denied capability", "fetch('https://example.com')", nil, sandbox.StatusError},
		{"call budget", "while (true) {}", []string{"--max-calls", "50"}, sandbox.StatusFunctionLimit},
		{"timeout", "while (true) {}", []string{"--timeout", "100ms", "--max-calls", "1000000000"}, sandbox.StatusTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run"}, tt.args...)
			out, err := runCLI(t, tt.code, append(args, "-")...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "1 of 1 sketches failed")

			outputs := parseOutputs(t, out)
			require.Len(t, outputs, 1)
			assert.Equal(t, "-", outputs[0].File)
			assert.Equal(t, tt.status, outputs[0].Result.Status)
		})
	}
}

func TestRunNoMatch(t *testing.T) {
	_, err := runCLI(t, "", "run", filepath.Join(t.TempDir(), "*.js"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sketches match")

	_, err = runCLI(t, "", "run")
	assert.Error(t, err)
}

func TestRunConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sketchbox.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sandbox:\n  max_function_calls: 20\n"), 0o644))
	path := writeSketch(t, dir, "loop.js", "for (;;) {}")

	out, err := runCLI(t, "", "run", "--config", cfgPath, path)
	require.Error(t, err)

	outputs := parseOutputs(t, out)
	require.Len(t, outputs, 1)
	assert.Equal(t, sandbox.StatusFunctionLimit, outputs[0].Result.Status)

	_, err = runCLI(t, "", "run", "--config", filepath.Join(dir, "missing.yaml"), path)
	assert.Error(t, err)
}

func TestRunRemote(t *testing.T) {
	pool := sandbox.NewPool(sandbox.PoolOptions{Size: 1})
	defer pool.Close()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	apihttp.NewHandlers(pool, monitoring.NewMetrics(nil), nil, nil).Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	out, err := runCLI(t, "point(1, 1);", "run", "--url", srv.URL, "-")
	require.NoError(t, err)

	outputs := parseOutputs(t, out)
	require.Len(t, outputs, 1)
	assert.Equal(t, sandbox.StatusSuccess, outputs[0].Result.Status)
	assert.Len(t, pool.History(), 1, "the sketch ran on the server")
}

func TestCapabilities(t *testing.T) {
	out, err := runCLI(t, "", "capabilities", "--json")
	require.NoError(t, err)

	var caps []capability.Capability
	require.NoError(t, json.Unmarshal([]byte(out), &caps))
	assert.Len(t, caps, len(capability.Table()))

	out, err = runCLI(t, "", "capabilities", "--category", "network")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Len(t, lines, len(capability.ByCategory(capability.CategoryNetwork))+1)
	assert.Contains(t, out, "fetch")
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "sketchbox "+apihttp.Version+"\n", out)
}
