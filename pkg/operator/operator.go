// Package operator defines the three execution shapes the VM dispatcher
// drives and the component/factory types they attach to. Instant and InstantFunc play the role strandapi/pkg/server's
// Handler/HandlerFunc play for a single request/response; Iterative plays
// the role StreamHandler plays for a token stream, but as an explicit
// initialize/step state machine rather than a callback fed by a goroutine,
// since the VM dispatcher -- not the operator -- owns the stepping loop.
package operator

import (
	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/value"
)

// Instant is a pure or effectful operator that consumes one input value
// and produces one output value or one error, completing in one call.
type Instant interface {
	Run(input value.Value) (value.Value, error)
}

// InstantFunc adapts a plain function to Instant, mirroring
// strandapi/pkg/server.HandlerFunc.
type InstantFunc func(input value.Value) (value.Value, error)

// Run calls f.
func (f InstantFunc) Run(input value.Value) (value.Value, error) { return f(input) }

// Step is the result of one Iterative.Step call.
type Step struct {
	Value    value.Value
	Finished bool
}

// Iterative is a stateful method operator: Initialize once, then Step
// repeatedly until Finished is true. Initialize may only
// be called again after the previous run finished or was cancelled.
// The VM dispatcher stops calling Step once a step reports Finished.
type Iterative interface {
	Initialize(input value.Value) error
	Step() (Step, error)
}

// MethodOperator is the union every component method resolves to: either
// shape, looked up once per call_method dispatch.
type MethodOperator interface{}

// AsInstant downcasts op to Instant, if that is its shape.
func AsInstant(op MethodOperator) (Instant, bool) {
	i, ok := op.(Instant)
	return i, ok
}

// AsIterative downcasts op to Iterative, if that is its shape. Note an
// operator implementing both interfaces is ambiguous and is never
// produced by this package's factories; the VM dispatcher checks
// AsInstant first, so such an operator would run as an Instant.
func AsIterative(op MethodOperator) (Iterative, bool) {
	it, ok := op.(Iterative)
	return it, ok
}

// Component is a live instance: a name, a set of named sub-objects
// (model handles, tokenizers, caches), and a method name → operator map.
type Component struct {
	Name    string
	Objects map[string]any
	Methods map[string]MethodOperator
}

// NewComponent returns an empty, named Component.
func NewComponent(name string) *Component {
	return &Component{Name: name, Objects: make(map[string]any), Methods: make(map[string]MethodOperator)}
}

// Method looks up a method operator by name, failing with NoSuchMethod
// when absent.
func (c *Component) Method(name string) (MethodOperator, error) {
	op, ok := c.Methods[name]
	if !ok {
		return nil, aerr.Newf(aerr.KindNoSuchMethod, "component %q has no method %q", c.Name, name)
	}
	return op, nil
}

// Factory receives an attributes value (a mapping) and returns either a
// live Component or an error.
type Factory func(name string, attrs value.Value) (*Component, error)
