package script

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorCompiler compiles Risor source code with a fixed set of globals.
type RisorCompiler struct {
	globals map[string]any
}

// NewRisorCompiler creates a Risor-backed compiler. The provided globals are
// available to every compiled script; per-evaluation globals are merged on
// top.
func NewRisorCompiler(globals map[string]any) *RisorCompiler {
	if globals == nil {
		globals = map[string]any{}
	}
	return &RisorCompiler{globals: globals}
}

// DefaultGlobals returns the globals every condition expression can rely on.
// The "state" global is reserved and injected at evaluation time.
func DefaultGlobals() map[string]any {
	return map[string]any{"state": map[string]any{}}
}

// Compile parses and compiles Risor source code.
func (e *RisorCompiler) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	var globalNames []string
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &risorScript{engine: e, code: compiledCode}, nil
}

type risorScript struct {
	engine *RisorCompiler
	code   *compiler.Code
}

func (s *risorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &risorValue{obj: result}, nil
}

type risorValue struct {
	obj object.Object
}

func (v *risorValue) Value() any {
	return convertToGo(v.obj)
}

func (v *risorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	default:
		return o.Inspect()
	}
}

func (v *risorValue) IsTruthy() bool {
	switch o := v.obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0.0
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	case *object.String:
		value := o.Value()
		return value != "" && strings.ToLower(value) != "false"
	default:
		return o.IsTruthy()
	}
}

// convertToGo converts a Risor object to a plain Go value.
func convertToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, convertToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any)
		for key, value := range o.Value() {
			result[key] = convertToGo(value)
		}
		return result
	default:
		return obj.Inspect()
	}
}
