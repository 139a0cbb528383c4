package isolate

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/governor"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
)

// interruptReason is the value passed to goja's Interrupt.
type interruptReason string

const (
	reasonFunctionLimit interruptReason = "function_limit"
	reasonMemoryLimit   interruptReason = "memory_limit"
	reasonTerminated    interruptReason = "terminated"
)

type emitFunc func(typ protocol.Type, session string, payload any)

// execution runs one execute request on a fresh VM and reports exactly one
// terminal event.
type execution struct {
	session      string
	code         string
	hook         string
	renderFrames int
	maxCallStack int
	server       *Server

	vm      *goja.Runtime
	counter *governor.CallCounter
	sampler *governor.MemorySampler
	canvas  *canvas
	console *console
	emit    emitFunc
	log     *zap.Logger

	emitted atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

func (s *Server) newExecution(session string, req protocol.Execute) *execution {
	e := &execution{
		session:      session,
		code:         req.Code,
		hook:         "__sbx_tick_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		renderFrames: orInt(req.RenderFrames, s.opts.RenderFrames),
		maxCallStack: orInt(req.MaxCallStack, s.opts.MaxCallStack),
		server:       s,
		vm:           goja.New(),
		emit:         s.send,
		log:          s.log.With(zap.String("session", session)),
		done:         make(chan struct{}),
	}

	maxCalls := req.MaxFunctionCalls
	if maxCalls == 0 {
		maxCalls = governor.DefaultMaxFunctionCalls
	}
	memLimit := req.MemoryLimitBytes
	if memLimit == 0 {
		memLimit = governor.DefaultMemoryLimitBytes
	}
	interval := s.opts.SampleInterval
	if req.SampleIntervalMS > 0 {
		interval = time.Duration(req.SampleIntervalMS) * time.Millisecond
	}

	e.counter = governor.NewCallCounter(maxCalls, e.onFunctionLimit)
	e.sampler = governor.NewMemorySampler(s.opts.Probe, memLimit, interval, e.onMemoryLimit)
	e.canvas = newCanvas(e.vm, e.tick, s.sanitizer)
	e.console = &console{tick: e.tick}
	return e
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// finish emits a terminal event unless one was already sent.
func (e *execution) finish(typ protocol.Type, payload any) bool {
	if !e.emitted.CompareAndSwap(false, true) {
		return false
	}
	e.log.Debug("Execution finished",
		zap.String("status", string(typ)),
		zap.Uint64("function_calls", e.counter.Count()))
	e.emit(typ, e.session, payload)
	return true
}

// tick counts one call. Once stopped, every counted call re-arms the
// interrupt.
func (e *execution) tick() {
	if e.stopped.Load() {
		e.vm.Interrupt(reasonTerminated)
		return
	}
	e.counter.Tick()
}

func (e *execution) onFunctionLimit(count uint64) {
	e.finish(protocol.TypeFunctionLimit, protocol.FunctionLimit{
		Message:       fmt.Sprintf("function call limit of %d exceeded", e.counter.Max()),
		FunctionCalls: count,
	})
	e.vm.Interrupt(reasonFunctionLimit)
}

func (e *execution) onMemoryLimit(used, limit uint64) {
	e.finish(protocol.TypeMemoryLimit, protocol.MemoryLimit{
		Message:    fmt.Sprintf("memory limit of %d bytes exceeded (%d bytes used)", limit, used),
		UsedBytes:  used,
		LimitBytes: limit,
	})
	e.vm.Interrupt(reasonMemoryLimit)
}

// terminate stops the render loop, stops sampling and interrupts the VM.
// Safe to call from any goroutine.
func (e *execution) terminate() {
	e.stopped.Store(true)
	e.sampler.Stop()
	e.vm.Interrupt(reasonTerminated)
	e.finish(protocol.TypeTerminated, protocol.Terminated{FunctionCalls: e.counter.Count()})
}

func (e *execution) run() {
	defer close(e.done)
	defer e.sampler.Stop()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Runtime panic recovered", zap.Any("panic", r), zap.Stack("stack"))
			e.finish(protocol.TypeError, protocol.Error{
				Message:       fmt.Sprintf("runtime panic: %v", r),
				FunctionCalls: e.counter.Count(),
			})
		}
	}()

	if err := e.setup(); err != nil {
		e.finish(protocol.TypeError, protocol.Error{Message: fmt.Sprintf("runtime setup: %v", err)})
		return
	}

	program, err := e.compile()
	if err != nil {
		e.fail(err)
		return
	}
	if e.stopped.Load() {
		return
	}

	e.sampler.Start()
	value, err := e.vm.RunProgram(program)
	if err == nil {
		err = e.render(value)
	}
	if err != nil {
		e.fail(err)
		return
	}

	e.sampler.Sample()
	e.finish(protocol.TypeSuccess, protocol.Success{
		FunctionCalls:   e.counter.Count(),
		MemoryUsedBytes: e.sampler.Peak(),
		Render:          e.canvas.render(e.console.entries),
	})
}

// setup prepares the VM: denylist first, then the drawing API, console and
// counting hook.
func (e *execution) setup() error {
	e.vm.SetMaxCallStackSize(e.maxCallStack)

	if err := installDenylist(e.vm, e.server.opts.Capabilities); err != nil {
		return err
	}
	if err := e.canvas.install(); err != nil {
		return fmt.Errorf("install canvas: %w", err)
	}
	if err := e.console.install(e.vm); err != nil {
		return fmt.Errorf("install console: %w", err)
	}

	hook := e.vm.ToValue(func(goja.FunctionCall) goja.Value {
		e.tick()
		return goja.Undefined()
	})
	return define(e.vm.GlobalObject(), e.hook, hook)
}

// compile instruments and compiles the code. Code that parses but cannot be
// instrumented is an error and never runs.
func (e *execution) compile() (*goja.Program, error) {
	wrapped := wrap(e.code)
	src, err := instrument(wrapped, e.hook)
	if err != nil {
		return nil, err
	}
	program, err := goja.Compile("sketch.js", src, false)
	if err == nil {
		return program, nil
	}
	// Early errors in the sketch itself read better against the bare code.
	if _, bare := goja.Compile("sketch.js", wrapped, false); bare != nil {
		return nil, bare
	}
	e.log.Error("Instrumented sketch failed to compile", zap.Error(err))
	return nil, fmt.Errorf("%w: %v", errInstrument, err)
}

// fail reports err as the terminal event. Interrupts were already reported
// by whoever raised them.
func (e *execution) fail(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		e.finish(protocol.TypeTerminated, protocol.Terminated{FunctionCalls: e.counter.Count()})
		return
	}
	message, stack := describe(err)
	e.finish(protocol.TypeError, protocol.Error{
		Message:       message,
		Stack:         stack,
		FunctionCalls: e.counter.Count(),
	})
}

// describe turns a goja error into a message and a stack trace.
func describe(err error) (string, string) {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		message := exception.Error()
		if v := exception.Value(); v != nil {
			message = v.String()
		}
		return message, exception.String()
	}

	var syntax parser.ErrorList
	if errors.As(err, &syntax) {
		return "SyntaxError: " + syntax.Error(), ""
	}
	var compile *goja.CompilerSyntaxError
	if errors.As(err, &compile) {
		return compile.Error(), ""
	}
	return err.Error(), ""
}
