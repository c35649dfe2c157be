package value

import (
	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/strandbuf"
)

// EncodeBinary renders v as a self-describing byte stream: every variant is
// prefixed by its Kind tag, so DecodeBinary never needs out-of-band schema.
// Integers, floats, strings, and byte slices are all written through a
// strandbuf.Buffer, the same little-endian primitives used to frame a single
// wire packet, generalised here to the whole recursive value tree instead of
// one message at a time.
func EncodeBinary(v Value) []byte {
	buf := strandbuf.NewBuffer(64)
	writeValue(buf, v)
	return buf.Bytes()
}

func writeValue(buf *strandbuf.Buffer, v Value) {
	if v == nil {
		v = Null{}
	}
	buf.WriteUint8(uint8(v.Kind()))
	switch t := v.(type) {
	case Null:
	case Bool:
		if t {
			buf.WriteUint8(1)
		} else {
			buf.WriteUint8(0)
		}
	case Int:
		buf.WriteUint64(uint64(t))
	case UInt:
		buf.WriteUint64(uint64(t))
	case Float32:
		buf.WriteFloat32(float32(t))
	case Float64:
		buf.WriteFloat64(float64(t))
	case String:
		buf.WriteString(string(t))
	case Bytes:
		buf.WriteBytes(t)
	case NDArray:
		buf.WriteString(string(t.DType))
		buf.WriteList(uint32(len(t.Shape)))
		for _, d := range t.Shape {
			buf.WriteUint64(uint64(d))
		}
		buf.WriteBytes(t.Data)
	case Array:
		buf.WriteList(uint32(len(t)))
		for _, e := range t {
			writeValue(buf, e)
		}
	case *Map:
		buf.WriteMapLen(uint32(t.Len()))
		t.Range(func(k string, v Value) bool {
			buf.WriteString(k)
			writeValue(buf, v)
			return true
		})
	default:
		// unreachable for the closed set of variants defined in this package
	}
}

// DecodeBinary decodes exactly one value from buf, failing with
// MalformedValue on truncation, trailing bytes, or an unknown tag.
func DecodeBinary(buf []byte) (Value, error) {
	r := strandbuf.NewReader(buf)
	v, err := readValue(r)
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, aerr.New(aerr.KindMalformedValue, "trailing bytes after value")
	}
	return v, nil
}

func readValue(r *strandbuf.Reader) (Value, error) {
	kindByte, err := r.ReadUint8()
	if err != nil {
		return nil, malformed("truncated: missing kind tag")
	}
	kind := Kind(kindByte)
	switch kind {
	case KindNull:
		return Null{}, nil
	case KindBool:
		b, err := r.ReadUint8()
		if err != nil {
			return nil, malformed("truncated: expected bool byte")
		}
		return Bool(b != 0), nil
	case KindInt:
		u, err := r.ReadUint64()
		if err != nil {
			return nil, malformed("truncated: expected int")
		}
		return Int(int64(u)), nil
	case KindUInt:
		u, err := r.ReadUint64()
		if err != nil {
			return nil, malformed("truncated: expected uint")
		}
		return UInt(u), nil
	case KindFloat32:
		f, err := r.ReadFloat32()
		if err != nil {
			return nil, malformed("truncated: expected float32")
		}
		return Float32(f), nil
	case KindFloat64:
		f, err := r.ReadFloat64()
		if err != nil {
			return nil, malformed("truncated: expected float64")
		}
		return Float64(f), nil
	case KindString:
		s, err := r.ReadString()
		if err != nil {
			return nil, malformed("truncated: expected string")
		}
		return String(s), nil
	case KindBytes:
		b, err := r.ReadBytes()
		if err != nil {
			return nil, malformed("truncated: expected bytes")
		}
		cp := make(Bytes, len(b))
		copy(cp, b)
		return cp, nil
	case KindNDArray:
		return readNDArray(r)
	case KindArray:
		n, err := r.ReadList()
		if err != nil {
			return nil, malformed("truncated: expected array length")
		}
		arr := make(Array, 0, n)
		for i := uint32(0); i < n; i++ {
			elem, err := readValue(r)
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case KindMap:
		n, err := r.ReadMapLen()
		if err != nil {
			return nil, malformed("truncated: expected map length")
		}
		mv := NewMap()
		for i := uint32(0); i < n; i++ {
			k, err := r.ReadString()
			if err != nil {
				return nil, malformed("truncated: expected map key")
			}
			elem, err := readValue(r)
			if err != nil {
				return nil, err
			}
			mv.Set(k, elem)
		}
		return mv, nil
	default:
		return nil, aerr.Newf(aerr.KindMalformedValue, "unknown kind tag %d", kind)
	}
}

func readNDArray(r *strandbuf.Reader) (Value, error) {
	dtype, err := r.ReadString()
	if err != nil {
		return nil, malformed("truncated: expected ndarray dtype")
	}
	nshape, err := r.ReadList()
	if err != nil {
		return nil, malformed("truncated: expected ndarray shape length")
	}
	shape := make([]int64, 0, nshape)
	for i := uint32(0); i < nshape; i++ {
		d, err := r.ReadUint64()
		if err != nil {
			return nil, malformed("truncated: expected ndarray shape dim")
		}
		shape = append(shape, int64(d))
	}
	data, err := r.ReadBytes()
	if err != nil {
		return nil, malformed("truncated: expected ndarray data")
	}
	arr := NDArray{DType: DType(dtype), Shape: shape, Data: data}
	if elemSize := arr.DType.ElemSize(); elemSize > 0 {
		if want := arr.NumElements() * int64(elemSize); want != int64(len(data)) {
			return nil, malformed("ndarray data size does not match shape and dtype")
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	arr.Data = cp
	return arr, nil
}

func malformed(detail string) error {
	return aerr.New(aerr.KindMalformedValue, detail)
}
