/*
Package tracing provides lightweight request tracing.

A trace follows one request from the HTTP layer into the sandbox. The
X-Trace-ID and X-Span-ID headers carry the context between the CLI client
and the server; finished spans are written to the log by a background
collector.

# Usage

	tracer := tracing.New("sketchbox", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "sandbox.execute")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
	span.SetTag("status", string(result.Status))
*/
package tracing
