package isolate

import (
	"strings"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
)

const (
	maxConsoleEntries = 200
	maxConsoleMessage = 4096
)

// console captures console output of a sketch. Calls past the entry cap
// still count but are not stored.
type console struct {
	tick    func()
	entries []protocol.ConsoleEntry
}

func (c *console) install(vm *goja.Runtime) error {
	obj := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := define(obj, level, vm.ToValue(c.method(level))); err != nil {
			return err
		}
	}
	return define(vm.GlobalObject(), "console", obj)
}

func (c *console) method(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		c.tick()
		if len(c.entries) >= maxConsoleEntries {
			return goja.Undefined()
		}

		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		msg := strings.Join(parts, " ")
		if len(msg) > maxConsoleMessage {
			msg = msg[:maxConsoleMessage]
		}

		c.entries = append(c.entries, protocol.ConsoleEntry{Level: level, Message: msg})
		return goja.Undefined()
	}
}
