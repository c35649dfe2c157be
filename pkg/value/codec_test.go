package value

import (
	"testing"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/strandbuf"
)

func roundTripCases() []struct {
	name string
	v    Value
} {
	mv := NewMap()
	mv.Set("name", String("ailoy"))
	mv.Set("count", Int(-7))
	mv.Set("ok", Bool(true))

	return []struct {
		name string
		v    Value
	}{
		{"null", Null{}},
		{"bool_true", Bool(true)},
		{"bool_false", Bool(false)},
		{"int_negative", Int(-12345)},
		{"uint", UInt(98765)},
		{"float32", Float32(3.5)},
		{"float64", Float64(-2.718281828)},
		{"string", String("hello, world")},
		{"string_empty", String("")},
		{"bytes", Bytes{0x00, 0x01, 0xFF, 0x10}},
		{"bytes_empty", Bytes{}},
		{"ndarray", NDArray{DType: DTypeFloat32, Shape: []int64{2, 2}, Data: []byte{0, 0, 0, 0, 0, 0, 128, 63, 0, 0, 0, 64, 0, 0, 64, 64}}},
		{"array", Array{Int(1), String("two"), Bool(false)}},
		{"array_empty", Array{}},
		{"map", mv},
		{"nested", Array{mv, Array{Int(1), Int(2)}}},
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	for _, tc := range roundTripCases() {
		t.Run(tc.name, func(t *testing.T) {
			enc := EncodeBinary(tc.v)
			dec, err := DecodeBinary(enc)
			if err != nil {
				t.Fatalf("DecodeBinary: %v", err)
			}
			if !dec.Equal(tc.v) {
				t.Fatalf("round trip mismatch: got %#v, want %#v", dec, tc.v)
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	for _, tc := range roundTripCases() {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodeJSON(tc.v)
			if err != nil {
				t.Fatalf("EncodeJSON: %v", err)
			}
			dec, err := DecodeJSON(enc)
			if err != nil {
				t.Fatalf("DecodeJSON: %v", err)
			}
			if !dec.Equal(tc.v) {
				t.Fatalf("round trip mismatch: got %#v, want %#v", dec, tc.v)
			}
		})
	}
}

func TestDecodeBinaryTruncated(t *testing.T) {
	full := EncodeBinary(String("hello"))
	for n := 0; n < len(full); n++ {
		_, err := DecodeBinary(full[:n])
		if err == nil {
			t.Fatalf("DecodeBinary(%d bytes) succeeded, want MalformedValue", n)
		}
		if !aerr.Is(err, aerr.KindMalformedValue) {
			t.Fatalf("DecodeBinary(%d bytes) err = %v, want MalformedValue", n, err)
		}
	}
}

func TestDecodeBinaryTrailingBytes(t *testing.T) {
	full := EncodeBinary(Int(42))
	full = append(full, 0xAB)
	_, err := DecodeBinary(full)
	if !aerr.Is(err, aerr.KindMalformedValue) {
		t.Fatalf("err = %v, want MalformedValue for trailing bytes", err)
	}
}

func TestDecodeBinaryUnknownTag(t *testing.T) {
	_, err := DecodeBinary([]byte{0xFE})
	if !aerr.Is(err, aerr.KindMalformedValue) {
		t.Fatalf("err = %v, want MalformedValue for unknown tag", err)
	}
}

func TestDecodeBinaryNDArrayRejectsMismatchedDataSize(t *testing.T) {
	buf := strandbuf.NewBuffer(32)
	buf.WriteUint8(uint8(KindNDArray))
	buf.WriteString(string(DTypeFloat32))
	buf.WriteList(2) // shape = [2, 2], 4 elements, 16 bytes for float32
	buf.WriteUint64(2)
	buf.WriteUint64(2)
	buf.WriteBytes([]byte{0, 0, 0, 0, 0, 0, 128, 63}) // only 8 bytes, want 16

	_, err := DecodeBinary(buf.Bytes())
	if !aerr.Is(err, aerr.KindMalformedValue) {
		t.Fatalf("err = %v, want MalformedValue for ndarray size mismatch", err)
	}
}

func TestDecodeJSONNDArrayRejectsMismatchedDataSize(t *testing.T) {
	// shape [2, 2] float32 wants 16 bytes; "AAAAAA==" base64url-decodes to 4.
	_, err := DecodeJSON([]byte(`{"kind":"ndarray","v":{"dtype":"float32","shape":[2,2],"data":"AAAAAA=="}}`))
	if !aerr.Is(err, aerr.KindMalformedValue) {
		t.Fatalf("err = %v, want MalformedValue for ndarray size mismatch", err)
	}
}

func TestDecodeJSONUnknownKind(t *testing.T) {
	_, err := DecodeJSON([]byte(`{"kind":"nonsense","v":1}`))
	if !aerr.Is(err, aerr.KindMalformedValue) {
		t.Fatalf("err = %v, want MalformedValue for unknown kind", err)
	}
}

func TestDecodeJSONMalformed(t *testing.T) {
	_, err := DecodeJSON([]byte(`not json`))
	if !aerr.Is(err, aerr.KindMalformedValue) {
		t.Fatalf("err = %v, want MalformedValue for malformed json", err)
	}
}

func TestEncodeJSONBytesIsBase64URL(t *testing.T) {
	enc, err := EncodeJSON(Bytes{0xFB, 0xFF, 0x00})
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	// base64url never contains '+' or '/'; spot-check the envelope decodes back.
	dec, err := DecodeJSON(enc)
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if !dec.Equal(Bytes{0xFB, 0xFF, 0x00}) {
		t.Fatalf("round trip mismatch: %#v", dec)
	}
}
