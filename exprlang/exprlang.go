// Package exprlang is the pluggable expression evaluator behind transition
// conditions, foreach collections, and dotted-path context reads. Treat it
// as an opaque parser producing an AST with an evaluate(env) -> value
// capability: the coordinator is parametric over this evaluator, and
// nothing in engine, coordinator, or defstore depends on expr-lang directly
// outside this package.
package exprlang

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"goa.design/goa-ai/orcherr"
)

// Env is the evaluation environment exposed to a compiled expression: the
// three context sections plus the evaluating token's private branch store.
type Env struct {
	Input  map[string]any `expr:"input"`
	State  map[string]any `expr:"state"`
	Output map[string]any `expr:"output"`
	Branch map[string]any `expr:"_branch"`
}

func toEnv(e Env) map[string]any {
	return map[string]any{
		"input":   e.Input,
		"state":   e.State,
		"output":  e.Output,
		"_branch": e.Branch,
	}
}

// Evaluator compiles and caches expr-lang programs. A single Evaluator is
// safe for concurrent use and is typically shared across every workflow run
// in a process, following tombee-conductor's pkg/workflow/expression.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New builds an empty Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Compile parses expression into a reusable AST, caching it by source text.
// An empty expression is treated as "no condition": Compile returns a nil
// program and no error, and EvalBool treats it as true.
func (ev *Evaluator) Compile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, nil
	}
	ev.mu.RLock()
	if p, ok := ev.cache[expression]; ok {
		ev.mu.RUnlock()
		return p, nil
	}
	ev.mu.RUnlock()

	env := map[string]any{"input": map[string]any{}, "state": map[string]any{}, "output": map[string]any{}, "_branch": map[string]any{}}
	prog, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindValidation, fmt.Sprintf("compile condition: %s", err), err).WithField("condition")
	}

	ev.mu.Lock()
	ev.cache[expression] = prog
	ev.mu.Unlock()
	return prog, nil
}

// EvalBool compiles (or retrieves from cache) and runs expression against
// env, requiring a boolean result. An empty expression is an unconditional
// match and always returns true.
func (ev *Evaluator) EvalBool(expression string, env Env) (bool, error) {
	if expression == "" {
		return true, nil
	}
	prog, err := ev.Compile(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, toEnv(env))
	if err != nil {
		return false, orcherr.Wrap(orcherr.KindValidation, fmt.Sprintf("evaluate condition: %s", err), err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, orcherr.New(orcherr.KindValidation, fmt.Sprintf("condition must evaluate to bool, got %T", out)).WithField("condition")
	}
	return b, nil
}

// EvalCollection evaluates a foreach.collection expression against env and
// returns it as a slice of elements to spawn one child token per element.
// Accepts both `[]any` and typed slices via type switches on the common
// JSON-decoded shapes.
func (ev *Evaluator) EvalCollection(expression string, env Env) ([]any, error) {
	prog, err := ev.Compile(expression)
	if err != nil {
		return nil, err
	}
	if prog == nil {
		return nil, orcherr.New(orcherr.KindValidation, "foreach.collection must not be empty").WithField("foreach.collection")
	}
	out, err := expr.Run(prog, toEnv(env))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindValidation, fmt.Sprintf("evaluate foreach collection: %s", err), err)
	}
	switch v := out.(type) {
	case []any:
		return v, nil
	case []map[string]any:
		items := make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
		return items, nil
	case nil:
		return nil, nil
	default:
		return nil, orcherr.New(orcherr.KindValidation, fmt.Sprintf("foreach.collection must evaluate to an array, got %T", out)).WithField("foreach.collection")
	}
}

// EvalValue evaluates an arbitrary dotted-path or expression string against
// env and returns its raw value, used by FieldMapping sources that are
// plain dotted paths (e.g. "state.votes") rather than boolean conditions.
func (ev *Evaluator) EvalValue(expression string, env Env) (any, error) {
	prog, err := ev.Compile(expression)
	if err != nil {
		return nil, err
	}
	if prog == nil {
		return nil, nil
	}
	out, err := expr.Run(prog, toEnv(env))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindValidation, fmt.Sprintf("evaluate expression %q: %s", expression, err), err)
	}
	return out, nil
}
