// Package script provides compiled expression evaluation for declarative
// edge conditions. Expressions are evaluated against a snapshot of workflow
// state exposed as a "state" global.
package script

import (
	"context"
	"fmt"
)

// Value is the result of one evaluation.
type Value interface {
	// Value returns the underlying Go value.
	Value() any

	// String renders the value for display.
	String() string

	// IsTruthy reports whether the value counts as true in a condition.
	IsTruthy() bool
}

// Script is a compiled program, safe for repeated evaluation with different
// globals.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler turns source text into an executable Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

// Condition is a compiled boolean predicate over workflow state.
type Condition struct {
	source string
	script Script
}

// NewCondition compiles a condition expression.
func NewCondition(compiler Compiler, source string) (*Condition, error) {
	script, err := compiler.Compile(context.Background(), source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", source, err)
	}
	return &Condition{source: source, script: script}, nil
}

// Source returns the original expression text.
func (c *Condition) Source() string {
	return c.source
}

// Evaluate runs the condition against the given globals and returns its
// truthiness.
func (c *Condition) Evaluate(ctx context.Context, globals map[string]any) (bool, error) {
	value, err := c.script.Evaluate(ctx, globals)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", c.source, err)
	}
	return value.IsTruthy(), nil
}
