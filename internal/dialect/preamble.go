package dialect

import (
	"fmt"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Preamble is the shared execution context: the preamble source and the
// symbols it defines, visible to every cell and to header-attribute
// expressions.
type Preamble struct {
	Source  string
	Globals starlark.StringDict
}

// FileOptions enables the imperative Starlark features cell code relies on.
// Cells are user scripts, not build configuration.
var FileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// baseModules are predeclared in the preamble and every cell.
func baseModules() starlark.StringDict {
	return starlark.StringDict{
		"json": starjson.Module,
		"math": starmath.Module,
		"time": startime.Module,
	}
}

// ExecPreamble runs the preamble source and captures its globals. The result
// is deterministic for a given source, which is why only the source text
// crosses the worker boundary.
func ExecPreamble(source string) (*Preamble, error) {
	thread := &starlark.Thread{Name: "preamble"}
	globals, err := starlark.ExecFileOptions(FileOptions, thread, "preamble.star", source, baseModules())
	if err != nil {
		return nil, fmt.Errorf("failed to execute preamble: %w", err)
	}
	return &Preamble{Source: source, Globals: globals}, nil
}

// Eval evaluates a single expression against the preamble's symbols. Used
// for header-attribute values.
func (p *Preamble) Eval(expr string) (starlark.Value, error) {
	env := baseModules()
	for name, v := range p.Globals {
		env[name] = v
	}
	thread := &starlark.Thread{Name: "header"}
	v, err := starlark.EvalOptions(FileOptions, thread, "<header>", expr, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", expr, err)
	}
	return v, nil
}
