// Package value implements the polymorphic, self-describing value tree
// that is the sole payload carrier across every boundary in the core.
// It replaces strandapi/pkg/protocol/messages.go's per-message-type
// Encode/Decode methods with a single tagged union and a recursive codec
// that dispatches on a kind tag, so no caller ever needs an out-of-band
// schema to decode a Value.
package value

import (
	"bytes"

	"github.com/brekkylab/ailoy/pkg/aerr"
)

// Kind identifies the concrete variant carried by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUInt
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindNDArray
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUInt:
		return "uint"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindNDArray:
		return "ndarray"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is implemented by every variant of the value tree.
type Value interface {
	Kind() Kind
	Clone() Value
	Equal(other Value) bool
}

// As downcasts v to the concrete type T, or fails with a TypeError.
func As[T Value](v Value, context string) (T, error) {
	var zero T
	if v == nil {
		return zero, aerr.NewType(context, "", zero.Kind().String(), "null")
	}
	t, ok := v.(T)
	if !ok {
		return zero, aerr.NewType(context, "", zero.Kind().String(), v.Kind().String())
	}
	return t, nil
}

// Null is the absence of a value.
type Null struct{}

func (Null) Kind() Kind         { return KindNull }
func (Null) Clone() Value       { return Null{} }
func (Null) Equal(o Value) bool { _, ok := o.(Null); return ok }

// Bool is a boolean value.
type Bool bool

func (Bool) Kind() Kind   { return KindBool }
func (b Bool) Clone() Value { return b }
func (b Bool) Equal(o Value) bool {
	ob, ok := o.(Bool)
	return ok && ob == b
}

// Int is a signed 64-bit integer value.
type Int int64

func (Int) Kind() Kind     { return KindInt }
func (i Int) Clone() Value { return i }
func (i Int) Equal(o Value) bool {
	oi, ok := o.(Int)
	return ok && oi == i
}

// UInt is an unsigned 64-bit integer value.
type UInt uint64

func (UInt) Kind() Kind     { return KindUInt }
func (u UInt) Clone() Value { return u }
func (u UInt) Equal(o Value) bool {
	ou, ok := o.(UInt)
	return ok && ou == u
}

// Float32 is a 32-bit IEEE-754 float value.
type Float32 float32

func (Float32) Kind() Kind     { return KindFloat32 }
func (f Float32) Clone() Value { return f }
func (f Float32) Equal(o Value) bool {
	of, ok := o.(Float32)
	return ok && of == f
}

// Float64 is a 64-bit IEEE-754 float value.
type Float64 float64

func (Float64) Kind() Kind     { return KindFloat64 }
func (f Float64) Clone() Value { return f }
func (f Float64) Equal(o Value) bool {
	of, ok := o.(Float64)
	return ok && of == f
}

// String is a UTF-8 string value.
type String string

func (String) Kind() Kind     { return KindString }
func (s String) Clone() Value { return s }
func (s String) Equal(o Value) bool {
	os, ok := o.(String)
	return ok && os == s
}

// Bytes is an opaque byte-buffer value.
type Bytes []byte

func (Bytes) Kind() Kind { return KindBytes }
func (b Bytes) Clone() Value {
	cp := make(Bytes, len(b))
	copy(cp, b)
	return cp
}
func (b Bytes) Equal(o Value) bool {
	ob, ok := o.(Bytes)
	return ok && bytes.Equal(ob, b)
}

// Array is an ordered sequence of values.
type Array []Value

func (Array) Kind() Kind { return KindArray }
func (a Array) Clone() Value {
	cp := make(Array, len(a))
	for i, v := range a {
		cp[i] = v.Clone()
	}
	return cp
}
func (a Array) Equal(o Value) bool {
	oa, ok := o.(Array)
	if !ok || len(oa) != len(a) {
		return false
	}
	for i := range a {
		if !a[i].Equal(oa[i]) {
			return false
		}
	}
	return true
}

// Map is an ordered mapping from string keys to values. Insertion order is
// preserved; keys are unique UTF-8 strings.
type Map struct {
	order []string
	m     map[string]Value
}

// NewMap returns an empty, ready-to-use Map.
func NewMap() *Map {
	return &Map{m: make(map[string]Value)}
}

func (*Map) Kind() Kind { return KindMap }

func (mv *Map) Clone() Value {
	cp := NewMap()
	for _, k := range mv.order {
		cp.Set(k, mv.m[k].Clone())
	}
	return cp
}

func (mv *Map) Equal(o Value) bool {
	om, ok := o.(*Map)
	if !ok || len(om.order) != len(mv.order) {
		return false
	}
	for k, v := range mv.m {
		ov, ok := om.m[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Set inserts or replaces the value at key, preserving insertion order for
// new keys and leaving the order of existing keys unchanged.
func (mv *Map) Set(key string, v Value) {
	if _, exists := mv.m[key]; !exists {
		mv.order = append(mv.order, key)
	}
	mv.m[key] = v
}

// Get returns the value at key and whether it was present.
func (mv *Map) Get(key string) (Value, bool) {
	v, ok := mv.m[key]
	return v, ok
}

// GetAs is Get followed by a downcast-or-fail to T.
func GetAs[T Value](mv *Map, key, context string) (T, error) {
	v, ok := mv.Get(key)
	if !ok {
		var zero T
		return zero, aerr.NewValue(context, key, "present", "missing")
	}
	return As[T](v, context+"."+key)
}

// Delete removes key, if present.
func (mv *Map) Delete(key string) {
	if _, exists := mv.m[key]; !exists {
		return
	}
	delete(mv.m, key)
	for i, k := range mv.order {
		if k == key {
			mv.order = append(mv.order[:i], mv.order[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (mv *Map) Keys() []string {
	out := make([]string, len(mv.order))
	copy(out, mv.order)
	return out
}

// Len returns the number of entries.
func (mv *Map) Len() int { return len(mv.order) }

// Range calls fn for every entry in insertion order, stopping early if fn
// returns false.
func (mv *Map) Range(fn func(key string, v Value) bool) {
	for _, k := range mv.order {
		if !fn(k, mv.m[k]) {
			return
		}
	}
}
