// Package wire implements the one binary format the broker, broker
// client, and VM dispatcher all speak. Packets are framed with a
// strandbuf.Buffer/Reader pair, carrying fixed flag bytes, an optional
// sequence number, and two length-prefixed value-tree payloads -- so
// every other package treats packets as decoded records and never
// touches wire bytes directly.
package wire

import (
	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/strandbuf"
	"github.com/brekkylab/ailoy/pkg/value"
)

// Kind identifies the wire-level packet kind.
type Kind uint8

const (
	KindConnect Kind = iota + 1
	KindDisconnect
	KindSubscribe
	KindUnsubscribe
	KindExecute
	KindRespond
	KindRespondExecute
)

func (k Kind) valid() bool { return k >= KindConnect && k <= KindRespondExecute }

// Instruction identifies the instruction carried by a subscribe,
// unsubscribe, or execute packet.
type Instruction uint8

const (
	InstructionCallFunction Instruction = iota + 1
	InstructionDefineComponent
	InstructionDeleteComponent
	InstructionCallMethod
)

func (i Instruction) valid() bool {
	return i >= InstructionCallFunction && i <= InstructionCallMethod
}

// Packet is the decoded record every package above this one operates on.
// HasInstruction/HasStatus/HasSequence mirror the wire's optional-field
// flags exactly; Headers and Body are always present, possibly Null.
type Packet struct {
	Kind           Kind
	HasInstruction bool
	Instruction    Instruction
	HasStatus      bool
	Status         bool
	HasSequence    bool
	Sequence       uint32
	Headers        value.Value
	Body           value.Value
}

// TxID reads the conventional "txid" string key out of Headers, the
// convention every packet-building helper in this module follows to
// carry transaction id without a dedicated wire field.
func (p *Packet) TxID() (string, bool) {
	mv, ok := p.Headers.(*value.Map)
	if !ok {
		return "", false
	}
	v, ok := mv.Get("txid")
	if !ok {
		return "", false
	}
	s, ok := v.(value.String)
	return string(s), ok
}

// WithTxID returns a shallow copy of headers (creating a Map if headers
// is not already one) with "txid" set to id.
func WithTxID(headers value.Value, id string) value.Value {
	mv, ok := headers.(*value.Map)
	if !ok {
		mv = value.NewMap()
	} else {
		mv = mv.Clone().(*value.Map)
	}
	mv.Set("txid", value.String(id))
	return mv
}

// WithTarget sets the routing target for a call_function, define_component,
// or delete_component subscribe/unsubscribe/execute packet.
func WithTarget(headers value.Value, target string) value.Value {
	mv := asMutableMap(headers)
	mv.Set("target", value.String(target))
	return mv
}

// Target reads the routing target set by WithTarget.
func Target(p *Packet) (string, bool) {
	mv, ok := p.Headers.(*value.Map)
	if !ok {
		return "", false
	}
	v, ok := mv.Get("target")
	if !ok {
		return "", false
	}
	s, ok := v.(value.String)
	return string(s), ok
}

// WithComponentMethod sets the routing target for a call_method
// subscribe/unsubscribe/execute packet.
func WithComponentMethod(headers value.Value, component, method string) value.Value {
	mv := asMutableMap(headers)
	mv.Set("component", value.String(component))
	mv.Set("method", value.String(method))
	return mv
}

// ComponentMethod reads the routing target set by WithComponentMethod.
func ComponentMethod(p *Packet) (component, method string, ok bool) {
	mv, isMap := p.Headers.(*value.Map)
	if !isMap {
		return "", "", false
	}
	cv, ok1 := mv.Get("component")
	mv2, ok2 := mv.Get("method")
	c, ok3 := cv.(value.String)
	m, ok4 := mv2.(value.String)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return "", "", false
	}
	return string(c), string(m), true
}

// SubscriptionTarget collapses a packet's routing target to the single
// string key the subscription table is keyed on: the bare target for
// call_function/define_component/delete_component, or
// "component\x00method" for call_method.
func SubscriptionTarget(p *Packet) (string, bool) {
	if component, method, ok := ComponentMethod(p); ok {
		return component + "\x00" + method, true
	}
	return Target(p)
}

func asMutableMap(headers value.Value) *value.Map {
	mv, ok := headers.(*value.Map)
	if !ok {
		return value.NewMap()
	}
	return mv.Clone().(*value.Map)
}

// Encode renders p in the binary layout: fixed single-byte flag fields
// written through a strandbuf.Buffer, followed by two value-tree payloads
// each framed with a uint64 length prefix.
func Encode(p *Packet) []byte {
	buf := strandbuf.NewBuffer(32)
	buf.WriteUint8(byte(p.Kind))
	buf.WriteUint8(boolByte(p.HasInstruction))
	if p.HasInstruction {
		buf.WriteUint8(byte(p.Instruction))
	}
	buf.WriteUint8(boolByte(p.HasStatus))
	if p.HasStatus {
		buf.WriteUint8(boolByte(p.Status))
	}
	buf.WriteUint8(boolByte(p.HasSequence))
	if p.HasSequence {
		buf.WriteUint32(p.Sequence)
	}
	buf.WriteBytes64(value.EncodeBinary(p.Headers))
	buf.WriteBytes64(value.EncodeBinary(p.Body))
	return buf.Bytes()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Decode reads exactly one packet from buf, returning the number of bytes
// consumed. It is context-free: callers frame one packet per call and may
// feed the remainder of buf back in for the next packet. It fails with
// MalformedPacket on truncation or an out-of-range kind/instruction.
func Decode(buf []byte) (*Packet, int, error) {
	r := strandbuf.NewReader(buf)

	kindByte, err := r.ReadUint8()
	if err != nil {
		return nil, 0, malformed("truncated: missing kind")
	}
	p := &Packet{Kind: Kind(kindByte)}
	if !p.Kind.valid() {
		return nil, 0, malformed("kind out of range")
	}

	hasInstr, err := r.ReadUint8()
	if err != nil {
		return nil, 0, malformed("truncated: missing has_instruction")
	}
	p.HasInstruction = hasInstr != 0
	if p.HasInstruction {
		instrByte, err := r.ReadUint8()
		if err != nil {
			return nil, 0, malformed("truncated: missing instruction_kind")
		}
		p.Instruction = Instruction(instrByte)
		if !p.Instruction.valid() {
			return nil, 0, malformed("instruction_kind out of range")
		}
	}

	hasStatus, err := r.ReadUint8()
	if err != nil {
		return nil, 0, malformed("truncated: missing has_status")
	}
	p.HasStatus = hasStatus != 0
	if p.HasStatus {
		statusByte, err := r.ReadUint8()
		if err != nil {
			return nil, 0, malformed("truncated: missing status")
		}
		p.Status = statusByte != 0
	}

	hasSeq, err := r.ReadUint8()
	if err != nil {
		return nil, 0, malformed("truncated: missing has_sequence")
	}
	p.HasSequence = hasSeq != 0
	if p.HasSequence {
		seq, err := r.ReadUint32()
		if err != nil {
			return nil, 0, malformed("truncated: missing sequence")
		}
		p.Sequence = seq
	}

	headers, err := readLenPrefixedValue(r)
	if err != nil {
		return nil, 0, err
	}
	p.Headers = headers

	body, err := readLenPrefixedValue(r)
	if err != nil {
		return nil, 0, err
	}
	p.Body = body

	return p, r.Offset(), nil
}

func malformed(detail string) error {
	return aerr.New(aerr.KindMalformedPacket, detail)
}

func readLenPrefixedValue(r *strandbuf.Reader) (value.Value, error) {
	payload, err := r.ReadBytes64()
	if err != nil {
		return nil, malformed("truncated value payload")
	}
	v, err := value.DecodeBinary(payload)
	if err != nil {
		return nil, malformed("embedded value: " + err.Error())
	}
	return v, nil
}
