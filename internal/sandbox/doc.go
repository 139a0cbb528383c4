/*
Package sandbox runs untrusted sketch code in an isolated runtime and turns
whatever happens there into a typed result.

# Overview

A Manager owns one isolation boundary at a time and drives executions on
it. The session moves through

	idle -> running -> success | error | timeout | memory_limit | function_limit | terminated

and only Reset (back to idle) or Create (fresh boundary, idle) leave a
terminal state. At most one execution runs per Manager; a second Execute
fails immediately with ErrConcurrentExecution.

# Boundaries

Two provisioners are available:

  - worker: the runtime runs on its own goroutine and VM inside this
    process, connected by an in-memory pipe. Destroying it abandons the
    goroutine.
  - process: the runtime runs in a child process ("sketchbox runtime")
    with an empty environment, speaking length-prefixed CBOR frames over
    stdin and stdout. Destroying it kills the process group.

Every frame from a boundary carries the random token the Manager handed it.
Frames with a wrong token, an unknown version or type, a payload that does
not decode, or a session other than the running one are dropped and
counted, and never resolve an execution.

# Limits

The call-count and memory ceilings are enforced inside the runtime. The
wall-clock timeout is armed here: when it fires, or on Terminate or context
cancellation, the Manager sends terminate, waits out the grace period and
destroys the boundary if no terminal message arrives. Execute therefore
returns within timeout plus grace period.

# Usage

	m := sandbox.NewManager(sandbox.DefaultOptions())
	defer m.Close()

	result, err := m.Execute(ctx, sandbox.ExecutionRequest{Code: code})
	if err != nil {
		// never ran: invalid request, concurrent call, load failure
	}
	switch result.Status {
	case sandbox.StatusSuccess:
		render(result.Render)
	default:
		log.Print(result.Error)
	}
	m.Reset()

Pool spreads executions over several Managers behind a circuit breaker
that trips on repeated load failures.
*/
package sandbox
