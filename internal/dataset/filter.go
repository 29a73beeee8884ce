package dataset

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Filter restricts a plan to the groups matching a CEL expression over
// person, gesture, camera (int) and base (string), for example
// "person <= 10 && gesture in [1, 3]". Fields a group does not have are -1.
// The zero Filter matches everything.
type Filter struct {
	expr    string
	prog    cel.Program
	enabled bool
}

// NewFilter compiles expr. An empty expression disables filtering.
func NewFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("person", cel.IntType),
		cel.Variable("gesture", cel.IntType),
		cel.Variable("camera", cel.IntType),
		cel.Variable("base", cel.StringType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("filter %q: %w", expr, iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, fmt.Errorf("filter %q: %w", expr, iss2.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return Filter{}, fmt.Errorf("filter %q: result is %s, want bool", expr, checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, fmt.Errorf("filter %q: %w", expr, err)
	}
	return Filter{expr: expr, prog: prog, enabled: true}, nil
}

// String returns the source expression.
func (f Filter) String() string {
	return f.expr
}

// Match evaluates the filter. Evaluation errors count as no match.
func (f Filter) Match(person, gesture, camera int, base string) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"person":  int64(person),
		"gesture": int64(gesture),
		"camera":  int64(camera),
		"base":    base,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
