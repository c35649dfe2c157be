// Package lm implements the iterative "infer" method operator on the
// tvm_language_model component: the decode loop that owns
// prompt rendering, tokenization, prefill/decode against a compute
// backend, stream-mode switching, and tool-call detection, driven one
// step at a time by the VM dispatcher (pkg/vm).
//
// None of the three collaborators below -- tokenizer, chat-template
// renderer, compute backend -- are implemented in this package; a real
// binding supplies them, and this package's tests exercise the operator
// against small in-memory fakes
// instead of a real model, the same way strandapi/pkg/server tests a
// Handler against an in-memory transport.
package lm

import "github.com/brekkylab/ailoy/pkg/value"

// Message is one chat-history entry.
type Message struct {
	Role      string
	Content   []ContentPart
	Reasoning []ContentPart
	ToolCalls []ToolCall
}

// ContentPart is one tagged text/data fragment of a message field.
type ContentPart struct {
	Type string
	Text string
}

// ToolCall is a previously-issued tool invocation, as it appears inside
// an assistant message's tool_calls field.
type ToolCall struct {
	ID       string
	Name     string
	Argument value.Value
}

// Tool is one tool declaration passed in the "tools" initialization key.
type Tool struct {
	Name        string
	Description string
	Schema      value.Value // JSON-schema-shaped mapping, passed to the chat-template renderer; Step does not validate arguments against it
}

// Tokenizer converts between text and the compute backend's token ids.
type Tokenizer interface {
	Encode(text string) []int32
	Decode(tokens []int32) string
	VocabSize() int
}

// ChatTemplateRenderer renders a normalized conversation plus tool
// declarations to the prompt string the tokenizer consumes.
type ChatTemplateRenderer interface {
	Render(messages []Message, tools []Tool, addGenerationPrompt bool, extra value.Value) (string, error)
}

// BackendMetadata is the static capability mapping a compute backend
// reports.
type BackendMetadata struct {
	ContextWindowSize int
	PrefillChunkSize  int
	SlidingWindowSize int
}

// ComputeBackend is the collaborator that actually runs the model.
// Embed/Prefill/Decode advance the KV cache; the cache-lifecycle methods
// let the operator resync history on a prefix mismatch.
type ComputeBackend interface {
	Embed(tokens []int32) error
	Prefill(tokens []int32) error
	Decode(token int32) (logits []float32, err error)

	ClearCache() error
	PopN(n int) error
	BeginForward() error
	EndForward() error
	NumAvailablePages() int
	TotalSequenceLength() int

	SampleTopP(logits []float32, temperature, topP float64, draw float64) (int32, error)
	ApplyBitmaskInPlace(logits []float32, allowed []bool)

	Metadata() BackendMetadata
}
