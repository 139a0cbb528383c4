// Package middleware provides gin middleware for CORS and rate limiting.
//
// RateLimit keeps one token bucket per client IP and sweeps buckets idle
// for longer than IdleTTL. GlobalRateLimit shares a single bucket.
package middleware
