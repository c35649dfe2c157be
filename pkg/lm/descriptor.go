package lm

import (
	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/value"
)

// Capability is a single advertised ability bit in a Descriptor's
// Capabilities bitmask.
type Capability uint32

const (
	CapabilityTextGeneration  Capability = 1 << 0
	CapabilityToolCalling     Capability = 1 << 1
	CapabilityReasoningStream Capability = 1 << 2
	CapabilityJSONGrammar     Capability = 1 << 3
	CapabilityJSONSchema      Capability = 1 << 4
	CapabilityRegexGrammar    Capability = 1 << 5
	CapabilityEBNFGrammar     Capability = 1 << 6
)

var capabilityNames = []struct {
	bit  Capability
	name string
}{
	{CapabilityTextGeneration, "text_generation"},
	{CapabilityToolCalling, "tool_calling"},
	{CapabilityReasoningStream, "reasoning_stream"},
	{CapabilityJSONGrammar, "json_grammar"},
	{CapabilityJSONSchema, "json_schema"},
	{CapabilityRegexGrammar, "regex_grammar"},
	{CapabilityEBNFGrammar, "ebnf_grammar"},
}

const descriptorVersion uint16 = 1

// Descriptor is the compact capability record one tvm_language_model
// component reports about itself: what it can do (a capability bitmask),
// and the two backend metadata figures that bound how much work one
// Initialize call can request.
type Descriptor struct {
	ModelType     string
	Capabilities  uint32
	ContextWindow uint32
	PrefillChunk  uint32
	Version       uint16
}

// capabilityList returns the human-readable names of every set bit, in
// declaration order.
func (d *Descriptor) capabilityList() []string {
	var names []string
	for _, c := range capabilityNames {
		if d.Capabilities&uint32(c.bit) != 0 {
			names = append(names, c.name)
		}
	}
	return names
}

// toValue renders d the way the "describe" component method hands it
// back across the wire.
func (d *Descriptor) toValue() value.Value {
	out := value.NewMap()
	out.Set("model_type", value.String(d.ModelType))
	out.Set("context_window", value.Int(d.ContextWindow))
	out.Set("prefill_chunk", value.Int(d.PrefillChunk))
	out.Set("version", value.Int(d.Version))
	names := d.capabilityList()
	arr := make(value.Array, len(names))
	for i, n := range names {
		arr[i] = value.String(n)
	}
	out.Set("capabilities", arr)
	return out
}

// DescriptorBuilder provides a fluent interface for constructing a
// Descriptor, mirroring the per-field setter chain sad.Builder used for
// its own routing descriptors.
type DescriptorBuilder struct {
	d Descriptor
}

// NewDescriptorBuilder returns a Builder with sensible defaults.
func NewDescriptorBuilder() *DescriptorBuilder {
	return &DescriptorBuilder{d: Descriptor{Version: descriptorVersion}}
}

func (b *DescriptorBuilder) ModelType(t string) *DescriptorBuilder {
	b.d.ModelType = t
	return b
}

func (b *DescriptorBuilder) WithCapability(c Capability) *DescriptorBuilder {
	b.d.Capabilities |= uint32(c)
	return b
}

func (b *DescriptorBuilder) ContextWindow(tokens uint32) *DescriptorBuilder {
	b.d.ContextWindow = tokens
	return b
}

func (b *DescriptorBuilder) PrefillChunk(tokens uint32) *DescriptorBuilder {
	b.d.PrefillChunk = tokens
	return b
}

// Build returns the constructed Descriptor, failing if ModelType was
// never set.
func (b *DescriptorBuilder) Build() (*Descriptor, error) {
	if b.d.ModelType == "" {
		return nil, aerr.New(aerr.KindValueError, "lm: descriptor model type is required")
	}
	d := b.d
	return &d, nil
}

// describeDescriptor builds the Descriptor one Operator reports, derived
// from its configured stream-mode grammars and backend metadata.
func (op *Operator) describeDescriptor() *Descriptor {
	b := NewDescriptorBuilder().
		ModelType("tvm_language_model").
		WithCapability(CapabilityTextGeneration)

	op.mu.Lock()
	for _, mode := range op.modes {
		if mode.Name == ModeToolCall {
			b.WithCapability(CapabilityToolCalling)
		}
		if mode.Name == ModeReasoning {
			b.WithCapability(CapabilityReasoningStream)
		}
		switch mode.Grammar.(type) {
		case jsonGrammar:
			b.WithCapability(CapabilityJSONGrammar)
		case *jsonSchemaGrammar:
			b.WithCapability(CapabilityJSONSchema)
		case regexGrammar:
			b.WithCapability(CapabilityRegexGrammar)
		case ebnfGrammar:
			b.WithCapability(CapabilityEBNFGrammar)
		}
	}
	op.mu.Unlock()

	meta := op.opts.Backend.Metadata()
	b.ContextWindow(uint32(meta.ContextWindowSize)).PrefillChunk(uint32(meta.PrefillChunkSize))
	d, _ := b.Build() // ModelType is always set above
	return d
}

func (op *Operator) handleDescribe(value.Value) (value.Value, error) {
	return op.describeDescriptor().toValue(), nil
}
