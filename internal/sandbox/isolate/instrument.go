package isolate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

const (
	wrapPrefix = "(function() {"
	wrapSuffix = "\n;return {setup: typeof setup === \"function\" ? setup : undefined, " +
		"draw: typeof draw === \"function\" ? draw : undefined};\n})()"
)

var errInstrument = errors.New("sketch could not be instrumented for call counting")

// wrap places code in a fresh function scope. The prefix stays on the first
// line so error line numbers match the submitted code.
func wrap(code string) string {
	return wrapPrefix + code + wrapSuffix
}

type edit struct {
	offset int
	text   string
	closer bool
	depth  int
}

// instrumenter injects a call to the counting hook at every function entry
// and loop iteration of a parsed program.
//
// Loop bodies that are not blocks and arrow functions with expression bodies
// are wrapped, which needs their exact source extent. The AST leaves out
// grouping parentheses, so those edits are resolved against the token stream
// once the whole program has been walked.
type instrumenter struct {
	src       string
	hook      string
	call      string
	skipBrace int

	depth   int
	edits   []edit
	regexps map[int]int
	pending []func() error
	toks    []token
}

// instrument parses src and returns it with hook calls injected. Parse
// errors are returned as is.
func instrument(src, hook string) (string, error) {
	program, err := parser.ParseFile(nil, "sketch.js", src, 0)
	if err != nil {
		return "", err
	}

	in := &instrumenter{
		src:       src,
		hook:      hook,
		call:      hook + "();",
		skipBrace: len(wrapPrefix) - 1,
		regexps:   make(map[int]int),
	}
	in.stmts(program.Body)

	if in.toks, err = tokenize(src, in.regexps); err != nil {
		return "", fmt.Errorf("%w: %v", errInstrument, err)
	}
	for _, resolve := range in.pending {
		if err := resolve(); err != nil {
			return "", err
		}
	}
	return in.apply()
}

func offset(idx file.Idx) int {
	return int(idx) - 1
}

func (in *instrumenter) insert(at int, text string, closer bool, depth int) {
	in.edits = append(in.edits, edit{offset: at, text: text, closer: closer, depth: depth})
}

// wrapSpan queues an opener before the first token of a node and a closer
// after its last one.
func (in *instrumenter) wrapSpan(opener, closer string, idx0 file.Idx, end func() (int, error)) {
	depth := in.depth
	in.pending = append(in.pending, func() error {
		first := in.first(offset(idx0))
		if first >= len(in.toks) {
			return fmt.Errorf("%w: no token at offset %d", errInstrument, offset(idx0))
		}
		last, err := end()
		if err != nil {
			return err
		}
		in.insert(in.toks[first].start, opener, false, depth)
		in.insert(last, closer, true, depth)
		return nil
	})
}

func (in *instrumenter) apply() (string, error) {
	// At one offset: closers before openers, inner closers first, outer
	// openers first.
	sort.SliceStable(in.edits, func(i, j int) bool {
		a, b := in.edits[i], in.edits[j]
		if a.offset != b.offset {
			return a.offset < b.offset
		}
		if a.closer != b.closer {
			return a.closer
		}
		if a.closer {
			return a.depth > b.depth
		}
		return a.depth < b.depth
	})

	var sb strings.Builder
	sb.Grow(len(in.src) + len(in.edits)*(len(in.call)+2))
	last := 0
	for _, e := range in.edits {
		if e.offset < last || e.offset > len(in.src) {
			return "", fmt.Errorf("%w: edit at offset %d out of range", errInstrument, e.offset)
		}
		sb.WriteString(in.src[last:e.offset])
		sb.WriteString(e.text)
		last = e.offset
	}
	sb.WriteString(in.src[last:])
	return sb.String(), nil
}

// at returns the index of the first token starting at or after off.
func (in *instrumenter) at(off int) int {
	return sort.Search(len(in.toks), func(i int) bool { return in.toks[i].start >= off })
}

// first returns the index of the first token of the node starting at off,
// including the grouping parentheses in front of it.
func (in *instrumenter) first(off int) int {
	i := in.at(off)
	for i > 0 && i <= len(in.toks) && in.toks[i-1].punct == "(" {
		i--
	}
	return i
}

// exprEnd returns the offset just past e. The AST end of an expression can
// fall short of closing grouping parentheses or inside a postfix operator, so
// tokens are taken from the start of e until that hint is passed with all
// brackets balanced.
func (in *instrumenter) exprEnd(e ast.Expression) (int, error) {
	hint := offset(e.Idx1())
	end, depth := -1, 0
scan:
	for i := in.first(offset(e.Idx0())); i < len(in.toks); i++ {
		t := in.toks[i]
		if t.start >= hint && depth == 0 {
			break
		}
		switch t.punct {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			if depth == 0 {
				break scan
			}
			depth--
		}
		end = t.end
	}
	if end < 0 || depth != 0 {
		return 0, fmt.Errorf("%w: unbalanced expression at offset %d", errInstrument, offset(e.Idx0()))
	}
	return end, nil
}

// terminated extends end over a following semicolon.
func (in *instrumenter) terminated(end int, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	if i := in.at(end); i < len(in.toks) && in.toks[i].punct == ";" {
		return in.toks[i].end, nil
	}
	return end, nil
}

func (in *instrumenter) keywordEnd(idx file.Idx) (int, error) {
	i := in.at(offset(idx))
	if i >= len(in.toks) {
		return 0, fmt.Errorf("%w: no token at offset %d", errInstrument, offset(idx))
	}
	return in.toks[i].end, nil
}

// stmtEnd returns the offset just past s, including its semicolon.
func (in *instrumenter) stmtEnd(s ast.Statement) (int, error) {
	switch s := s.(type) {
	case *ast.ExpressionStatement:
		return in.terminated(in.exprEnd(s.Expression))
	case *ast.VariableStatement:
		last := s.List[len(s.List)-1]
		if last.Initializer != nil {
			return in.terminated(in.exprEnd(last.Initializer))
		}
		return in.terminated(in.exprEnd(last.Target))
	case *ast.ReturnStatement:
		if s.Argument != nil {
			return in.terminated(in.exprEnd(s.Argument))
		}
		return in.terminated(in.keywordEnd(s.Return))
	case *ast.ThrowStatement:
		return in.terminated(in.exprEnd(s.Argument))
	case *ast.BranchStatement:
		if s.Label != nil {
			return in.terminated(in.exprEnd(s.Label))
		}
		return in.terminated(in.keywordEnd(s.Idx))
	case *ast.DebuggerStatement:
		return in.terminated(in.keywordEnd(s.Debugger))
	case *ast.DoWhileStatement:
		// The test's first token is the opening parenthesis after while, so
		// its end covers the closing one.
		return in.terminated(in.exprEnd(s.Test))
	case *ast.IfStatement:
		if s.Alternate != nil {
			return in.stmtEnd(s.Alternate)
		}
		return in.stmtEnd(s.Consequent)
	case *ast.ForStatement:
		return in.stmtEnd(s.Body)
	case *ast.ForInStatement:
		return in.stmtEnd(s.Body)
	case *ast.ForOfStatement:
		return in.stmtEnd(s.Body)
	case *ast.WhileStatement:
		return in.stmtEnd(s.Body)
	case *ast.WithStatement:
		return in.stmtEnd(s.Body)
	case *ast.LabelledStatement:
		return in.stmtEnd(s.Statement)
	default:
		return offset(s.Idx1()), nil
	}
}

// functionBody counts entries of a function body, after its directive
// prologue.
func (in *instrumenter) functionBody(body *ast.BlockStatement) {
	if body == nil {
		return
	}
	if offset(body.LeftBrace) != in.skipBrace {
		at := offset(body.LeftBrace) + 1
		prefix := ""
		for _, stmt := range body.List {
			es, ok := stmt.(*ast.ExpressionStatement)
			if !ok {
				break
			}
			if _, ok := es.Expression.(*ast.StringLiteral); !ok {
				break
			}
			at = offset(es.Idx1())
			prefix = ";"
		}
		in.insert(at, prefix+in.call, false, in.depth)
	}
	for _, stmt := range body.List {
		in.stmt(stmt)
	}
}

// loopBody counts iterations of a loop. A body that is not a block becomes
// one.
func (in *instrumenter) loopBody(body ast.Statement) {
	in.depth++
	defer func() { in.depth-- }()

	if b, ok := body.(*ast.BlockStatement); ok {
		in.insert(offset(b.LeftBrace)+1, in.call, false, in.depth)
	} else {
		in.wrapSpan("{"+in.call, "}", body.Idx0(), func() (int, error) { return in.stmtEnd(body) })
	}
	in.stmt(body)
}

// arrow counts calls of an arrow function. An expression body becomes a
// comma expression led by the hook call.
func (in *instrumenter) arrow(fn *ast.ArrowFunctionLiteral) {
	in.params(fn.ParameterList)
	switch body := fn.Body.(type) {
	case *ast.BlockStatement:
		in.functionBody(body)
	case *ast.ExpressionBody:
		in.depth++
		expr := body.Expression
		in.wrapSpan("("+in.hook+"(), ", ")", expr.Idx0(), func() (int, error) { return in.exprEnd(expr) })
		in.expr(expr)
		in.depth--
	}
}

func (in *instrumenter) function(fn *ast.FunctionLiteral) {
	if fn == nil {
		return
	}
	in.params(fn.ParameterList)
	in.functionBody(fn.Body)
}

func (in *instrumenter) params(list *ast.ParameterList) {
	if list == nil {
		return
	}
	for _, b := range list.List {
		in.binding(b)
	}
	in.expr(list.Rest)
}

func (in *instrumenter) binding(b *ast.Binding) {
	if b == nil {
		return
	}
	in.expr(b.Target)
	in.expr(b.Initializer)
}

func (in *instrumenter) class(c *ast.ClassLiteral) {
	if c == nil {
		return
	}
	in.expr(c.SuperClass)
	for _, el := range c.Body {
		switch el := el.(type) {
		case *ast.FieldDefinition:
			in.expr(el.Key)
			in.expr(el.Initializer)
		case *ast.MethodDefinition:
			in.expr(el.Key)
			in.function(el.Body)
		case *ast.ClassStaticBlock:
			if el.Block != nil {
				for _, stmt := range el.Block.List {
					in.stmt(stmt)
				}
			}
		}
	}
}

func (in *instrumenter) stmts(list []ast.Statement) {
	for _, s := range list {
		in.stmt(s)
	}
}

func (in *instrumenter) stmt(s ast.Statement) {
	switch s := s.(type) {
	case nil:
	case *ast.BlockStatement:
		in.stmts(s.List)
	case *ast.CaseStatement:
		in.expr(s.Test)
		in.stmts(s.Consequent)
	case *ast.CatchStatement:
		in.expr(s.Parameter)
		if s.Body != nil {
			in.stmts(s.Body.List)
		}
	case *ast.DoWhileStatement:
		in.loopBody(s.Body)
		in.expr(s.Test)
	case *ast.ExpressionStatement:
		in.expr(s.Expression)
	case *ast.ForInStatement:
		in.forInto(s.Into)
		in.expr(s.Source)
		in.loopBody(s.Body)
	case *ast.ForOfStatement:
		in.forInto(s.Into)
		in.expr(s.Source)
		in.loopBody(s.Body)
	case *ast.ForStatement:
		in.forInit(s.Initializer)
		in.expr(s.Test)
		in.expr(s.Update)
		in.loopBody(s.Body)
	case *ast.IfStatement:
		in.expr(s.Test)
		in.stmt(s.Consequent)
		in.stmt(s.Alternate)
	case *ast.LabelledStatement:
		in.stmt(s.Statement)
	case *ast.ReturnStatement:
		in.expr(s.Argument)
	case *ast.SwitchStatement:
		in.expr(s.Discriminant)
		for _, c := range s.Body {
			in.stmt(c)
		}
	case *ast.ThrowStatement:
		in.expr(s.Argument)
	case *ast.TryStatement:
		if s.Body != nil {
			in.stmts(s.Body.List)
		}
		if s.Catch != nil {
			in.stmt(s.Catch)
		}
		if s.Finally != nil {
			in.stmts(s.Finally.List)
		}
	case *ast.VariableStatement:
		for _, b := range s.List {
			in.binding(b)
		}
	case *ast.LexicalDeclaration:
		for _, b := range s.List {
			in.binding(b)
		}
	case *ast.WhileStatement:
		in.expr(s.Test)
		in.loopBody(s.Body)
	case *ast.WithStatement:
		in.expr(s.Object)
		in.stmt(s.Body)
	case *ast.FunctionDeclaration:
		in.function(s.Function)
	case *ast.ClassDeclaration:
		in.class(s.Class)
	}
}

func (in *instrumenter) forInit(init ast.ForLoopInitializer) {
	switch init := init.(type) {
	case *ast.ForLoopInitializerExpression:
		in.expr(init.Expression)
	case *ast.ForLoopInitializerVarDeclList:
		for _, b := range init.List {
			in.binding(b)
		}
	case *ast.ForLoopInitializerLexicalDecl:
		for _, b := range init.LexicalDeclaration.List {
			in.binding(b)
		}
	}
}

func (in *instrumenter) forInto(into ast.ForInto) {
	switch into := into.(type) {
	case *ast.ForIntoVar:
		in.binding(into.Binding)
	case *ast.ForDeclaration:
		in.expr(into.Target)
	case *ast.ForIntoExpression:
		in.expr(into.Expression)
	}
}

func (in *instrumenter) exprs(list []ast.Expression) {
	for _, e := range list {
		in.expr(e)
	}
}

func (in *instrumenter) expr(e ast.Expression) {
	switch e := e.(type) {
	case nil:
	case *ast.ArrayLiteral:
		in.exprs(e.Value)
	case *ast.ArrayPattern:
		in.exprs(e.Elements)
		in.expr(e.Rest)
	case *ast.AssignExpression:
		in.expr(e.Left)
		in.expr(e.Right)
	case *ast.AwaitExpression:
		in.expr(e.Argument)
	case *ast.BinaryExpression:
		in.expr(e.Left)
		in.expr(e.Right)
	case *ast.BracketExpression:
		in.expr(e.Left)
		in.expr(e.Member)
	case *ast.CallExpression:
		in.expr(e.Callee)
		in.exprs(e.ArgumentList)
	case *ast.ConditionalExpression:
		in.expr(e.Test)
		in.expr(e.Consequent)
		in.expr(e.Alternate)
	case *ast.DotExpression:
		in.expr(e.Left)
	case *ast.PrivateDotExpression:
		in.expr(e.Left)
	case *ast.OptionalChain:
		in.expr(e.Expression)
	case *ast.Optional:
		in.expr(e.Expression)
	case *ast.FunctionLiteral:
		in.function(e)
	case *ast.ClassLiteral:
		in.class(e)
	case *ast.ArrowFunctionLiteral:
		in.arrow(e)
	case *ast.NewExpression:
		in.expr(e.Callee)
		in.exprs(e.ArgumentList)
	case *ast.ObjectLiteral:
		for _, p := range e.Value {
			in.expr(p)
		}
	case *ast.ObjectPattern:
		for _, p := range e.Properties {
			in.expr(p)
		}
		in.expr(e.Rest)
	case *ast.PropertyShort:
		in.expr(e.Initializer)
	case *ast.PropertyKeyed:
		in.expr(e.Key)
		in.expr(e.Value)
	case *ast.SpreadElement:
		in.expr(e.Expression)
	case *ast.SequenceExpression:
		in.exprs(e.Sequence)
	case *ast.TemplateLiteral:
		in.expr(e.Tag)
		in.exprs(e.Expressions)
	case *ast.RegExpLiteral:
		in.regexps[offset(e.Idx)] = offset(e.Idx) + len(e.Literal)
	case *ast.UnaryExpression:
		in.expr(e.Operand)
	case *ast.YieldExpression:
		in.expr(e.Argument)
	}
}
