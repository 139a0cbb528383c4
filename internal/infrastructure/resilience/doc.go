/*
Package resilience provides a circuit breaker for the sandbox pool.

# Overview

When isolation boundaries repeatedly fail to provision (a child process
that will not start, a runtime that never signals ready), the breaker opens
and requests fail fast instead of queuing behind a broken pool.

# Usage

	breaker := resilience.New("pool", resilience.Settings{
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var loadErr *sandbox.LoadError
			return !errors.As(err, &loadErr)
		},
	})

	result, err := resilience.Do(breaker, func() (*sandbox.ExecutionResult, error) {
		return manager.Execute(ctx, req)
	})

IsSuccessful lets callers count only infrastructure failures. A sketch
that throws or hits a limit is a normal outcome, not a reason to trip.

RetryAt reports when an open breaker half-opens. The HTTP API turns it into
a Retry-After header.

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                          Open
*/
package resilience
