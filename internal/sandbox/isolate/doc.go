/*
Package isolate is the isolated runtime that executes untrusted sketch code.

# Overview

A Server reads control messages from a protocol.Transport. Each execute
message gets a fresh goja VM, so nothing leaks between executions. Before the
code runs the VM is prepared in this order:

 1. Capability denylist: every entry of capability.Denylist becomes a stand-in
    (block, no-op or removed). eval and the Function, generator and async
    function constructors are blocked so no uninstrumented code can appear.
 2. Drawing API: p5-style primitives recording a display list, plus console
    capture.
 3. Instrumentation: the code is parsed and a call to a randomly named,
    read-only hook is injected at every function entry and loop iteration.

# Limits

Drawing primitives, console calls and hook calls all tick the call counter.
Crossing max_function_calls emits function_limit and interrupts the VM. A
memory sampler compares usage above the execution's baseline with
memory_limit_bytes and emits memory_limit on breach. Usage is read from the
Go runtime, so it covers the whole process: exact when the runtime is a
child process, approximate when it shares a process with other work.

An atomic flag guarantees one terminal message per execute, whichever limit
fires first.

# Rendering

Code runs inside a fresh function scope. If it defines setup() and draw(),
setup runs once and draw runs for the configured number of frames, or once
after noLoop().
*/
package isolate
