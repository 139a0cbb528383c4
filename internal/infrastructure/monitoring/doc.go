/*
Package monitoring provides Prometheus metrics for the sandbox service.

# Overview

Metrics are registered on an explicit registry, never the global default,
so several servers (and tests) can live in one process.

# Features

- HTTP request metrics (latency, throughput, size)
- Executions by terminal status, duration, counted calls and memory
- Isolation boundary lifecycle and dropped protocol frames
- Pool size, checkouts, wait time and rejections
- WebSocket connections and messages

# Usage

	reg := monitoring.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(monitoring.Handler(reg)))

	manager := sandbox.NewManager(opts).WithMetrics(metrics)
*/
package monitoring
