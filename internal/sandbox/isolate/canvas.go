package isolate

import (
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/dop251/goja"
	"github.com/microcosm-cc/bluemonday"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
)

const (
	defaultCanvasWidth  = 100
	defaultCanvasHeight = 100
	maxCommandArgs      = 16
)

// primitives are drawing calls recorded into the display list.
var primitives = []string{
	"background", "clear", "fill", "noFill", "stroke", "noStroke", "strokeWeight",
	"rect", "square", "ellipse", "circle", "arc", "line", "point", "triangle", "quad",
	"beginShape", "vertex", "endShape", "text", "textSize", "textAlign",
	"push", "pop", "translate", "rotate", "scale", "colorMode",
}

// mathAliases expose Math functions as globals, p5 style.
var mathAliases = []string{
	"abs", "ceil", "floor", "round", "sqrt", "pow", "exp", "log",
	"sin", "cos", "tan", "asin", "acos", "atan", "atan2", "min", "max",
}

// canvas records what a sketch draws. All methods run on the VM goroutine.
type canvas struct {
	vm        *goja.Runtime
	tick      func()
	sanitizer *bluemonday.Policy

	width    int
	height   int
	frame    int
	looping  bool
	commands []protocol.DrawCommand
}

func newCanvas(vm *goja.Runtime, tick func(), sanitizer *bluemonday.Policy) *canvas {
	return &canvas{
		vm:        vm,
		tick:      tick,
		sanitizer: sanitizer,
		width:     defaultCanvasWidth,
		height:    defaultCanvasHeight,
		looping:   true,
	}
}

// install defines the drawing API on the global object.
func (c *canvas) install() error {
	global := c.vm.GlobalObject()

	for _, op := range primitives {
		if err := define(global, op, c.vm.ToValue(c.primitive(op))); err != nil {
			return err
		}
	}

	fns := map[string]func(goja.FunctionCall) goja.Value{
		"createCanvas": c.resize("createCanvas"),
		"resizeCanvas": c.resize("resizeCanvas"),
		"noLoop":       c.setLooping(false),
		"loop":         c.setLooping(true),
		"random":       c.random,
		"map":          c.mapRange,
		"constrain":    c.constrain,
		"lerp":         c.lerp,
		"dist":         c.dist,
		"sq": func(call goja.FunctionCall) goja.Value {
			x := call.Argument(0).ToFloat()
			return c.vm.ToValue(x * x)
		},
	}
	for name, fn := range fns {
		if err := define(global, name, c.vm.ToValue(fn)); err != nil {
			return err
		}
	}

	getters := map[string]func() int{
		"width":      func() int { return c.width },
		"height":     func() int { return c.height },
		"frameCount": func() int { return c.frame },
	}
	for name, get := range getters {
		get := get
		getter := c.vm.ToValue(func(goja.FunctionCall) goja.Value { return c.vm.ToValue(get()) })
		if err := global.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}

	constants := map[string]any{
		"PI":         math.Pi,
		"TWO_PI":     2 * math.Pi,
		"HALF_PI":    math.Pi / 2,
		"QUARTER_PI": math.Pi / 4,
		"CLOSE":      "close",
		"CENTER":     "center",
		"LEFT":       "left",
		"RIGHT":      "right",
		"RGB":        "rgb",
		"HSB":        "hsb",
	}
	for name, v := range constants {
		if err := define(global, name, c.vm.ToValue(v)); err != nil {
			return err
		}
	}

	mathObj := c.vm.Get("Math").ToObject(c.vm)
	for _, name := range mathAliases {
		if err := define(global, name, mathObj.Get(name)); err != nil {
			return err
		}
	}
	return nil
}

// primitive records a counted drawing call. Numbers go to Args, strings
// (colors, text) to Text after sanitizing.
func (c *canvas) primitive(op string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		c.tick()
		cmd := protocol.DrawCommand{Op: op}
		for i, arg := range call.Arguments {
			if i >= maxCommandArgs {
				break
			}
			if s, ok := arg.Export().(string); ok {
				if cmd.Text == "" {
					cmd.Text = c.sanitizer.Sanitize(s)
				}
				continue
			}
			cmd.Args = append(cmd.Args, finite(arg.ToFloat()))
		}
		c.commands = append(c.commands, cmd)
		return goja.Undefined()
	}
}

func (c *canvas) resize(op string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		c.tick()
		if w := call.Argument(0).ToInteger(); w > 0 {
			c.width = int(w)
		}
		if h := call.Argument(1).ToInteger(); h > 0 {
			c.height = int(h)
		}
		c.commands = append(c.commands, protocol.DrawCommand{
			Op:   op,
			Args: []float64{float64(c.width), float64(c.height)},
		})
		return goja.Undefined()
	}
}

func (c *canvas) setLooping(looping bool) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		c.tick()
		c.looping = looping
		return goja.Undefined()
	}
}

// random follows p5: random(), random(max), random(min, max), random(array).
func (c *canvas) random(call goja.FunctionCall) goja.Value {
	switch len(call.Arguments) {
	case 0:
		return c.vm.ToValue(rand.Float64())
	case 1:
		if obj, ok := call.Arguments[0].(*goja.Object); ok && obj.ClassName() == "Array" {
			n := obj.Get("length").ToInteger()
			if n <= 0 {
				return goja.Undefined()
			}
			return obj.Get(strconv.FormatInt(rand.Int64N(n), 10))
		}
		return c.vm.ToValue(rand.Float64() * call.Arguments[0].ToFloat())
	default:
		lo, hi := call.Arguments[0].ToFloat(), call.Arguments[1].ToFloat()
		return c.vm.ToValue(lo + rand.Float64()*(hi-lo))
	}
}

func (c *canvas) render(console []protocol.ConsoleEntry) *protocol.Render {
	return &protocol.Render{
		Width:    c.width,
		Height:   c.height,
		Frames:   c.frame,
		Commands: c.commands,
		Console:  console,
	}
}

func (c *canvas) mapRange(call goja.FunctionCall) goja.Value {
	v := call.Argument(0).ToFloat()
	start1, stop1 := call.Argument(1).ToFloat(), call.Argument(2).ToFloat()
	start2, stop2 := call.Argument(3).ToFloat(), call.Argument(4).ToFloat()
	if stop1 == start1 {
		return c.vm.ToValue(start2)
	}
	out := start2 + (v-start1)*(stop2-start2)/(stop1-start1)
	if call.Argument(5).ToBoolean() {
		lo, hi := math.Min(start2, stop2), math.Max(start2, stop2)
		out = math.Max(lo, math.Min(hi, out))
	}
	return c.vm.ToValue(out)
}

func (c *canvas) constrain(call goja.FunctionCall) goja.Value {
	v := call.Argument(0).ToFloat()
	lo, hi := call.Argument(1).ToFloat(), call.Argument(2).ToFloat()
	return c.vm.ToValue(math.Max(lo, math.Min(hi, v)))
}

func (c *canvas) lerp(call goja.FunctionCall) goja.Value {
	a, b, t := call.Argument(0).ToFloat(), call.Argument(1).ToFloat(), call.Argument(2).ToFloat()
	return c.vm.ToValue(a + (b-a)*t)
}

func (c *canvas) dist(call goja.FunctionCall) goja.Value {
	x1, y1 := call.Argument(0).ToFloat(), call.Argument(1).ToFloat()
	x2, y2 := call.Argument(2).ToFloat(), call.Argument(3).ToFloat()
	return c.vm.ToValue(math.Hypot(x2-x1, y2-y1))
}

// finite keeps NaN and infinities out of the display list, which is
// serialized as JSON further down the line.
func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
