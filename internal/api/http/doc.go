// Package http serves the sketchbox REST API.
//
// Endpoints:
//   - GET  /                        service identity
//   - GET  /health                  pool health
//   - POST /v1/executions           run one sketch
//   - GET  /v1/executions/history   merged history and stats
//   - GET  /v1/capabilities         the capability denylist
//   - GET  /v1/stats                pool and metric counters
//
// Script errors and limit breaches are 200 responses whose status field
// says what happened. Requests that never ran map to 400, 409 or 503 with
// an ErrorResponse body.
package http
