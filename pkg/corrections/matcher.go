package corrections

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
)

// Matcher compiles and evaluates rule match expressions. Expressions see four
// variables: document (the full document as a map), metadata (shortcut to
// document.metadata), field (the rule's target field name), and value (the
// current text of that field). Compiled programs are cached per expression.
type Matcher struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewMatcher builds the evaluation environment.
func NewMatcher() (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("document", cel.DynType),
		cel.Variable("metadata", cel.DynType),
		cel.Variable("field", cel.StringType),
		cel.Variable("value", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("corrections: create CEL environment: %w", err)
	}
	return &Matcher{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check compiles an expression without evaluating it, so malformed rules are
// rejected at creation rather than at apply time.
func (m *Matcher) Check(expr string) error {
	_, err := m.program(expr)
	return err
}

// Match evaluates the expression against one input. Non-boolean results are
// an error: a match expression must decide, not compute.
func (m *Matcher) Match(expr string, input map[string]any) (bool, error) {
	prg, err := m.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("match expression %q did not produce a boolean", expr)
	}
	return val, nil
}

func (m *Matcher) program(expr string) (cel.Program, error) {
	m.mu.RLock()
	prg, hit := m.cache[expr]
	m.mu.RUnlock()
	if hit {
		return prg, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prg, hit = m.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	// Dyn passes the static check; the eval-time assertion catches it.
	out := ast.OutputType()
	if !reflect.DeepEqual(out, cel.BoolType) && !reflect.DeepEqual(out, cel.DynType) {
		return nil, fmt.Errorf("match expression %q must produce a boolean, not %s", expr, out)
	}
	prg, err := m.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	m.cache[expr] = prg
	return prg, nil
}
