// Package ws streams sketch executions over a WebSocket.
//
// Each connection owns one sandbox Manager and therefore one session. The
// client drives it with JSON messages:
//
//	{"type":"execute","code":"rect(0,0,10,10)","timeout_ms":1000}
//	{"type":"terminate"}
//	{"type":"reset"}
//	{"type":"ping"}
//
// and receives ready (on connect and after reset), started, result, error
// and pong messages. A result leaves the session in its terminal state
// until the client sends reset.
//
//	handler := ws.NewHandler(sandbox.DefaultOptions(), metrics, logger, nil)
//	router.GET("/v1/stream", handler.HandleConnection)
package ws
