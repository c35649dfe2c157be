package modules

import (
	"sync"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

// accumulatorFactory builds a component holding one running total, with
// "put" to add an amount and "get" to read it back -- the smallest
// stateful component shape a define_component/call_method/
// delete_component lifecycle can exercise.
func accumulatorFactory() operator.Factory {
	return func(name string, attrs value.Value) (*operator.Component, error) {
		comp := operator.NewComponent(name)
		acc := &accumulator{}

		comp.Methods["put"] = operator.InstantFunc(acc.put)
		comp.Methods["get"] = operator.InstantFunc(acc.get)
		return comp, nil
	}
}

type accumulator struct {
	mu    sync.Mutex
	total int64
}

func (a *accumulator) put(input value.Value) (value.Value, error) {
	mv, ok := input.(*value.Map)
	if !ok {
		return nil, aerr.NewType("accumulator.put", "input", "map", input.Kind().String())
	}
	amtV, ok := mv.Get("amount")
	if !ok {
		return nil, aerr.NewValue("accumulator.put", "amount", "present", "missing")
	}
	amt, ok := amtV.(value.Int)
	if !ok {
		return nil, aerr.NewType("accumulator.put", "amount", "int", amtV.Kind().String())
	}
	a.mu.Lock()
	a.total += int64(amt)
	total := a.total
	a.mu.Unlock()
	out := value.NewMap()
	out.Set("total", value.Int(total))
	return out, nil
}

func (a *accumulator) get(input value.Value) (value.Value, error) {
	a.mu.Lock()
	total := a.total
	a.mu.Unlock()
	out := value.NewMap()
	out.Set("total", value.Int(total))
	return out, nil
}
