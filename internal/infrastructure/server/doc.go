// Package server assembles the sketchbox HTTP server.
//
// NewServer wires the execution pool, the REST and WebSocket handlers, and
// the middleware stack (recovery, tracing, metrics, CORS, per-IP rate
// limiting). Responses other than the WebSocket stream are gzip
// compressed and the listener caps concurrent connections.
//
// Lifecycle:
//  1. Load configuration (environment, file, flags)
//  2. NewServer builds the pool and routes
//  3. Warm provisions the pool's boundaries
//  4. ListenAndServe until a signal arrives
//  5. Shutdown drains requests, Close tears down the pool
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg, logging.NewDefault())
//	if err != nil {
//		return err
//	}
//	defer srv.Close()
//	return srv.ListenAndServe()
package server
