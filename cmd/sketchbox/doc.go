// Command sketchbox runs untrusted sketch code in an isolated sandbox.
//
// Usage:
//
//	sketchbox serve [--port 8000] [--isolation process|worker]
//	sketchbox run [--timeout 2s] [--isolation worker|process] [--remote] 'sketches/**/*.js'
//	sketchbox capabilities [--category network] [--json]
//	sketchbox version
//
// Configuration is read from the environment, or from the YAML or TOML
// file given with --config. Flags override both. The server isolates each
// runtime in a child process by default. Local runs use in-process workers
// one sketch at a time unless --isolation process is given.
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown
package main
