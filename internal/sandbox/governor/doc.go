/*
Package governor enforces the resource limits of one sandbox execution.

Three ceilings race independently and the first to fire decides the outcome:

  - Deadline: wall-clock timer armed by the manager when a request starts
  - MemorySampler: periodic probe of memory above a baseline, inside the runtime
  - CallCounter: synchronous check on every counted call, inside the runtime

The call counter is the only check that runs in-path, so it is the one that
stops a tight loop that never yields.
*/
package governor
