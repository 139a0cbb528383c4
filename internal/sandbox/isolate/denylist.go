package isolate

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/capability"
)

// standIns installs the capability denylist on a fresh VM.
type standIns struct {
	vm       *goja.Runtime
	errorCtr goja.Value
}

// installDenylist replaces every denylisted capability with its stand-in,
// aliases window and self to the global object and closes the dynamic code
// constructors.
func installDenylist(vm *goja.Runtime, table []capability.Capability) error {
	s := &standIns{vm: vm, errorCtr: vm.Get("Error")}

	global := vm.GlobalObject()
	for _, alias := range []string{"window", "self"} {
		if err := global.DefineDataProperty(alias, global, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return fmt.Errorf("alias %s: %w", alias, err)
		}
	}

	for _, c := range table {
		if err := s.install(c); err != nil {
			return fmt.Errorf("install %s: %w", c.Name, err)
		}
	}
	return s.sealConstructors()
}

func (s *standIns) install(c capability.Capability) error {
	parents, leaf := c.Path()
	target, err := s.parent(parents)
	if err != nil {
		return err
	}

	switch c.Kind {
	case capability.KindFunction:
		return define(target, leaf, s.function(c.Behavior, c.Message()))
	case capability.KindObject:
		obj := s.vm.NewObject()
		for _, m := range c.Methods {
			if err := define(obj, m, s.function(c.Behavior, c.MethodMessage(m))); err != nil {
				return err
			}
		}
		return define(target, leaf, obj)
	case capability.KindProperty:
		return s.property(target, leaf, c)
	}
	return fmt.Errorf("unknown capability kind %q", c.Kind)
}

// parent walks (and creates) the plain objects holding a nested capability.
func (s *standIns) parent(path []string) (*goja.Object, error) {
	obj := s.vm.GlobalObject()
	for _, name := range path {
		next := obj.Get(name)
		if next == nil || goja.IsUndefined(next) || goja.IsNull(next) {
			child := s.vm.NewObject()
			if err := obj.DefineDataProperty(name, child, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
				return nil, err
			}
			obj = child
			continue
		}
		o, ok := next.(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("%s is not an object", name)
		}
		obj = o
	}
	return obj, nil
}

// function builds a callable stand-in. The constructor signature lets the
// same stand-in serve both f() and new F().
func (s *standIns) function(behavior capability.Behavior, message string) goja.Value {
	if behavior != capability.Block {
		return s.vm.ToValue(func(goja.FunctionCall) goja.Value {
			return goja.Undefined()
		})
	}
	return s.vm.ToValue(func(goja.ConstructorCall) *goja.Object {
		panic(s.blocked(message))
	})
}

func (s *standIns) property(target *goja.Object, leaf string, c capability.Capability) error {
	switch c.Behavior {
	case capability.NoOp:
		getter := s.vm.ToValue(func(goja.FunctionCall) goja.Value { return s.vm.ToValue("") })
		setter := s.vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })
		return target.DefineAccessorProperty(leaf, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)
	case capability.Block:
		thrower := s.vm.ToValue(func(goja.FunctionCall) goja.Value { panic(s.blocked(c.Message())) })
		return target.DefineAccessorProperty(leaf, thrower, thrower, goja.FLAG_FALSE, goja.FLAG_FALSE)
	default:
		return define(target, leaf, goja.Undefined())
	}
}

// blocked builds the Error thrown by a blocked stand-in, using the Error
// constructor captured before any sandboxed code ran.
func (s *standIns) blocked(message string) goja.Value {
	obj, err := s.vm.New(s.errorCtr, s.vm.ToValue(message))
	if err != nil {
		return s.vm.NewTypeError(message)
	}
	return obj
}

// sealConstructors blocks Function and the generator and async function
// constructors reachable through prototypes.
func (s *standIns) sealConstructors() error {
	msg := capability.Capability{Name: "Function", Category: capability.CategoryEvaluation}.Message()
	blocker := s.function(capability.Block, msg)

	if err := define(s.vm.GlobalObject(), "Function", blocker); err != nil {
		return err
	}

	for _, probe := range []string{
		"Object.getPrototypeOf(function(){})",
		"Object.getPrototypeOf(function*(){})",
		"Object.getPrototypeOf(async function(){})",
		"Object.getPrototypeOf(async function*(){})",
	} {
		proto, err := s.vm.RunString(probe)
		if err != nil {
			// Syntax not supported by this engine, so the constructor is
			// not reachable either.
			continue
		}
		obj, ok := proto.(*goja.Object)
		if !ok {
			continue
		}
		if err := define(obj, "constructor", blocker); err != nil {
			return err
		}
	}
	return nil
}

// define installs a read-only, non-configurable property.
func define(obj *goja.Object, name string, value goja.Value) error {
	return obj.DefineDataProperty(name, value, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}
