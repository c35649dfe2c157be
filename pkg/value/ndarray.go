package value

import "bytes"

// DType names the element type carried by an NDArray's flat byte buffer.
type DType string

const (
	DTypeFloat32 DType = "float32"
	DTypeFloat64 DType = "float64"
	DTypeInt8    DType = "int8"
	DTypeInt16   DType = "int16"
	DTypeInt32   DType = "int32"
	DTypeInt64   DType = "int64"
	DTypeUInt8   DType = "uint8"
	DTypeBool    DType = "bool"
)

// ElemSize returns the size in bytes of one element of dt, or 0 if dt is
// not a recognised dtype.
func (dt DType) ElemSize() int {
	switch dt {
	case DTypeFloat32, DTypeInt32:
		return 4
	case DTypeFloat64, DTypeInt64:
		return 8
	case DTypeInt16:
		return 2
	case DTypeInt8, DTypeUInt8, DTypeBool:
		return 1
	default:
		return 0
	}
}

// NDArray is a dense n-dimensional array: a dtype, a shape, and a flat
// row-major byte buffer sized shape-product * dtype.ElemSize().
type NDArray struct {
	DType DType
	Shape []int64
	Data  []byte
}

func (NDArray) Kind() Kind { return KindNDArray }

func (n NDArray) Clone() Value {
	shape := make([]int64, len(n.Shape))
	copy(shape, n.Shape)
	data := make([]byte, len(n.Data))
	copy(data, n.Data)
	return NDArray{DType: n.DType, Shape: shape, Data: data}
}

func (n NDArray) Equal(o Value) bool {
	on, ok := o.(NDArray)
	if !ok || on.DType != n.DType || len(on.Shape) != len(n.Shape) {
		return false
	}
	for i := range n.Shape {
		if n.Shape[i] != on.Shape[i] {
			return false
		}
	}
	return bytes.Equal(n.Data, on.Data)
}

// NumElements returns the product of Shape, or 0 for a zero-rank or empty
// shape.
func (n NDArray) NumElements() int64 {
	if len(n.Shape) == 0 {
		return 0
	}
	total := int64(1)
	for _, d := range n.Shape {
		total *= d
	}
	return total
}
