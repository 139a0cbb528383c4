// Package config provides 12-factor configuration for sketchbox.
//
// Configuration is loaded from environment variables with defaults, or
// from a YAML or TOML file. CLI flags override either source.
//
// Sections:
//   - Server: listen address, connection cap, CORS origins
//   - Sandbox: execution limits, isolation mode, pool size
//   - Logging: level and output format
//   - RateLimit: per-IP request rate
//   - Client: remote server used by "sketchbox run --remote"
//
// Example:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Listening on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, MAX_CONNECTIONS, SHUTDOWN_TIMEOUT_MS, CORS_ORIGINS
//   - SANDBOX_TIMEOUT_MS, SANDBOX_MEMORY_LIMIT_BYTES, SANDBOX_MAX_FUNCTION_CALLS
//   - SANDBOX_HISTORY_CAPACITY, SANDBOX_ISOLATION, SANDBOX_POOL_SIZE, ...
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - SKETCHBOX_URL, SKETCHBOX_CLIENT_TIMEOUT_MS, SKETCHBOX_CLIENT_RETRIES
package config
