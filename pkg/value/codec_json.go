package value

import (
	"encoding/base64"
	"encoding/json"

	"github.com/brekkylab/ailoy/pkg/aerr"
)

// jsonEnvelope is the canonical on-the-wire JSON shape for a Value: a kind
// tag plus a kind-specific payload, mirroring the binary codec's tagged
// union so json decoding never needs out-of-band schema either.
type jsonEnvelope struct {
	Kind string          `json:"kind"`
	V    json.RawMessage `json:"v,omitempty"`
}

// EncodeJSON renders v as a canonical JSON string. Byte buffers (Bytes and
// NDArray.Data) are base64url-encoded.
func EncodeJSON(v Value) ([]byte, error) {
	env, err := toEnvelope(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(v Value) (jsonEnvelope, error) {
	if v == nil {
		v = Null{}
	}
	switch t := v.(type) {
	case Null:
		return jsonEnvelope{Kind: "null"}, nil
	case Bool:
		return rawEnvelope("bool", bool(t))
	case Int:
		return rawEnvelope("int", int64(t))
	case UInt:
		return rawEnvelope("uint", uint64(t))
	case Float32:
		return rawEnvelope("float32", float32(t))
	case Float64:
		return rawEnvelope("float64", float64(t))
	case String:
		return rawEnvelope("string", string(t))
	case Bytes:
		return rawEnvelope("bytes", base64.URLEncoding.EncodeToString(t))
	case NDArray:
		payload := struct {
			DType string  `json:"dtype"`
			Shape []int64 `json:"shape"`
			Data  string  `json:"data"`
		}{
			DType: string(t.DType),
			Shape: t.Shape,
			Data:  base64.URLEncoding.EncodeToString(t.Data),
		}
		return rawEnvelope("ndarray", payload)
	case Array:
		envs := make([]jsonEnvelope, len(t))
		for i, e := range t {
			ee, err := toEnvelope(e)
			if err != nil {
				return jsonEnvelope{}, err
			}
			envs[i] = ee
		}
		return rawEnvelope("array", envs)
	case *Map:
		type entry struct {
			K string       `json:"k"`
			V jsonEnvelope `json:"v"`
		}
		entries := make([]entry, 0, t.Len())
		var rangeErr error
		t.Range(func(k string, v Value) bool {
			ee, err := toEnvelope(v)
			if err != nil {
				rangeErr = err
				return false
			}
			entries = append(entries, entry{K: k, V: ee})
			return true
		})
		if rangeErr != nil {
			return jsonEnvelope{}, rangeErr
		}
		return rawEnvelope("map", entries)
	default:
		return jsonEnvelope{}, aerr.Newf(aerr.KindMalformedValue, "unencodable value type %T", v)
	}
}

func rawEnvelope(kind string, payload any) (jsonEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return jsonEnvelope{}, aerr.Newf(aerr.KindMalformedValue, "marshal %s payload: %v", kind, err)
	}
	return jsonEnvelope{Kind: kind, V: raw}, nil
}

// DecodeJSON decodes a canonical JSON string produced by EncodeJSON, failing
// with MalformedValue on malformed input or an unknown kind tag.
func DecodeJSON(data []byte) (Value, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, aerr.Newf(aerr.KindMalformedValue, "unmarshal envelope: %v", err)
	}
	return fromEnvelope(env)
}

func fromEnvelope(env jsonEnvelope) (Value, error) {
	switch env.Kind {
	case "null":
		return Null{}, nil
	case "bool":
		var b bool
		if err := unmarshalPayload(env, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case "int":
		var i int64
		if err := unmarshalPayload(env, &i); err != nil {
			return nil, err
		}
		return Int(i), nil
	case "uint":
		var u uint64
		if err := unmarshalPayload(env, &u); err != nil {
			return nil, err
		}
		return UInt(u), nil
	case "float32":
		var f float32
		if err := unmarshalPayload(env, &f); err != nil {
			return nil, err
		}
		return Float32(f), nil
	case "float64":
		var f float64
		if err := unmarshalPayload(env, &f); err != nil {
			return nil, err
		}
		return Float64(f), nil
	case "string":
		var s string
		if err := unmarshalPayload(env, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case "bytes":
		var s string
		if err := unmarshalPayload(env, &s); err != nil {
			return nil, err
		}
		b, err := base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, aerr.Newf(aerr.KindMalformedValue, "bad base64url bytes: %v", err)
		}
		return Bytes(b), nil
	case "ndarray":
		var payload struct {
			DType string  `json:"dtype"`
			Shape []int64 `json:"shape"`
			Data  string  `json:"data"`
		}
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		data, err := base64.URLEncoding.DecodeString(payload.Data)
		if err != nil {
			return nil, aerr.Newf(aerr.KindMalformedValue, "bad base64url ndarray data: %v", err)
		}
		arr := NDArray{DType: DType(payload.DType), Shape: payload.Shape, Data: data}
		if elemSize := arr.DType.ElemSize(); elemSize > 0 {
			if want := arr.NumElements() * int64(elemSize); want != int64(len(data)) {
				return nil, aerr.New(aerr.KindMalformedValue, "ndarray data size does not match shape and dtype")
			}
		}
		return arr, nil
	case "array":
		var envs []jsonEnvelope
		if err := unmarshalPayload(env, &envs); err != nil {
			return nil, err
		}
		arr := make(Array, len(envs))
		for i, ee := range envs {
			v, err := fromEnvelope(ee)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	case "map":
		type entry struct {
			K string       `json:"k"`
			V jsonEnvelope `json:"v"`
		}
		var entries []entry
		if err := unmarshalPayload(env, &entries); err != nil {
			return nil, err
		}
		mv := NewMap()
		for _, e := range entries {
			v, err := fromEnvelope(e.V)
			if err != nil {
				return nil, err
			}
			mv.Set(e.K, v)
		}
		return mv, nil
	default:
		return nil, aerr.Newf(aerr.KindMalformedValue, "unknown json kind tag %q", env.Kind)
	}
}

func unmarshalPayload(env jsonEnvelope, out any) error {
	if len(env.V) == 0 {
		return aerr.Newf(aerr.KindMalformedValue, "missing payload for kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.V, out); err != nil {
		return aerr.Newf(aerr.KindMalformedValue, "unmarshal %s payload: %v", env.Kind, err)
	}
	return nil
}
