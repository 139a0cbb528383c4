package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sketchbox/internal/api/types"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/governor"
)

func dial(t *testing.T, metrics *monitoring.Metrics) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/v1/stream", NewHandler(sandbox.DefaultOptions(), metrics, nil, nil).HandleConnection)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) types.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg types.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func write(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestSessionLifecycle(t *testing.T) {
	metrics := monitoring.NewMetrics(nil)
	conn := dial(t, metrics)

	ready := read(t, conn)
	assert.Equal(t, types.MsgReady, ready.Type)
	assert.Equal(t, sandbox.StatusIdle, ready.State)
	assert.NotEmpty(t, ready.SessionID)

	write(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, types.MsgPong, read(t, conn).Type)

	write(t, conn, map[string]any{"type": "execute", "code": "circle(5, 5, 2);"})
	started := read(t, conn)
	assert.Equal(t, types.MsgStarted, started.Type)
	assert.Equal(t, ready.SessionID, started.SessionID)

	result := read(t, conn)
	require.Equal(t, types.MsgResult, result.Type)
	require.NotNil(t, result.Result)
	assert.Equal(t, sandbox.StatusSuccess, result.Result.Status)
	require.NotNil(t, result.Result.Render)
	assert.Equal(t, "circle", result.Result.Render.Commands[0].Op)

	// Terminal until reset
	write(t, conn, map[string]any{"type": "execute", "code": "point(1, 1);"})
	rejected := read(t, conn)
	assert.Equal(t, types.MsgError, rejected.Type)
	assert.Equal(t, types.CodeInvalidState, rejected.Code)

	write(t, conn, map[string]any{"type": "reset"})
	again := read(t, conn)
	assert.Equal(t, types.MsgReady, again.Type)
	assert.NotEqual(t, ready.SessionID, again.SessionID)

	assert.EqualValues(t, 1, metrics.Snapshot().ActiveConnections)
}

func TestTerminate(t *testing.T) {
	conn := dial(t, nil)
	read(t, conn)

	write(t, conn, map[string]any{
		"type":               "execute",
		"code":               "while (true) {}",
		"max_function_calls": governor.CeilingFunctionCalls,
		"timeout_ms":         30000,
	})
	assert.Equal(t, types.MsgStarted, read(t, conn).Type)

	// A second execute while running is refused
	write(t, conn, map[string]any{"type": "execute", "code": "point(1, 1);"})
	busy := read(t, conn)
	assert.Equal(t, types.MsgError, busy.Type)
	assert.Equal(t, types.CodeConcurrent, busy.Code)

	start := time.Now()
	write(t, conn, map[string]any{"type": "terminate"})
	result := read(t, conn)
	require.Equal(t, types.MsgResult, result.Type)
	assert.Equal(t, sandbox.StatusTerminated, result.Result.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRejectsBadMessages(t *testing.T) {
	conn := dial(t, nil)
	read(t, conn)

	tests := []struct {
		name string
		msg  string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"launch"}`},
		{"missing code", `{"type":"execute"}`},
		{"negative timeout", `{"type":"execute","code":"x","timeout_ms":-5}`},
		{"blank code", `{"type":"execute","code":"  \n"}`},
		{"call budget above ceiling", `{"type":"execute","code":"x","max_function_calls":1000000000000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)))
			msg := read(t, conn)
			assert.Equal(t, types.MsgError, msg.Type)
			assert.Equal(t, types.CodeInvalidRequest, msg.Code)
		})
	}
}
