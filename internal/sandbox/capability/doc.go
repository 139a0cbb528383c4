// Package capability holds the declarative denylist of host capabilities that
// sandboxed drawing code must never reach.
//
// The table is data, not code: the isolate package walks it to install
// stand-ins in each fresh VM, and the HTTP API serves it for auditing.
//
// Behaviors:
//   - block: the stand-in throws a catchable Error naming the capability
//   - noop: the stand-in accepts the call and returns undefined
//   - remove: the name is bound to undefined
package capability
