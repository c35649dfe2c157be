package lm

import (
	"errors"
	"testing"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

// fakeTokenizer treats every token below controlTokenBase as the rune of
// that codepoint, and every token at or above it as a control marker with
// no text representation -- enough to drive the detokenize-completeness
// check and stream-mode switching without a real vocabulary.
const controlTokenBase = 1000

type fakeTokenizer struct{ vocabSize int }

func (f fakeTokenizer) Encode(text string) []int32 {
	runes := []rune(text)
	out := make([]int32, len(runes))
	for i, r := range runes {
		out[i] = int32(r)
	}
	return out
}

func (f fakeTokenizer) Decode(tokens []int32) string {
	var b []rune
	for _, t := range tokens {
		if t >= controlTokenBase {
			continue
		}
		b = append(b, rune(t))
	}
	return string(b)
}

func (f fakeTokenizer) VocabSize() int { return f.vocabSize }

type fakeRenderer struct{ prompt string }

func (f fakeRenderer) Render([]Message, []Tool, bool, value.Value) (string, error) {
	return f.prompt, nil
}

// scriptedBackend replays a fixed token sequence regardless of the logits
// it is handed, and records every cache-lifecycle call so prefill's
// resync/chunking behavior can be asserted on afterward.
type scriptedBackend struct {
	script    []int32
	idx       int
	vocabSize int
	meta      BackendMetadata

	embedCalls   [][]int32
	prefillCalls [][]int32
	popNCalls    []int
	pages        int
}

func (b *scriptedBackend) Embed(tokens []int32) error {
	b.embedCalls = append(b.embedCalls, append([]int32{}, tokens...))
	return nil
}

func (b *scriptedBackend) Prefill(tokens []int32) error {
	b.prefillCalls = append(b.prefillCalls, append([]int32{}, tokens...))
	return nil
}

func (b *scriptedBackend) Decode(int32) ([]float32, error) {
	if b.idx >= len(b.script) {
		return nil, errors.New("scriptedBackend: script exhausted")
	}
	logits := make([]float32, b.vocabSize)
	logits[b.script[b.idx]] = 1
	b.idx++
	return logits, nil
}

func (b *scriptedBackend) ClearCache() error  { return nil }
func (b *scriptedBackend) PopN(n int) error   { b.popNCalls = append(b.popNCalls, n); return nil }
func (b *scriptedBackend) BeginForward() error { return nil }
func (b *scriptedBackend) EndForward() error   { return nil }

func (b *scriptedBackend) NumAvailablePages() int   { return b.pages }
func (b *scriptedBackend) TotalSequenceLength() int { return b.idx }

func (b *scriptedBackend) SampleTopP(logits []float32, _, _, _ float64) (int32, error) {
	best := int32(0)
	bestScore := float32(-1)
	for i, v := range logits {
		if v > bestScore {
			bestScore = v
			best = int32(i)
		}
	}
	return best, nil
}

func (b *scriptedBackend) ApplyBitmaskInPlace(logits []float32, allowed []bool) {
	for i := range logits {
		if i < len(allowed) && !allowed[i] {
			logits[i] = -1
		}
	}
}

func (b *scriptedBackend) Metadata() BackendMetadata { return b.meta }

func mustGet(mv *value.Map, key string) value.Value {
	v, ok := mv.Get(key)
	if !ok {
		panic("missing key " + key)
	}
	return v
}

func userMessage(text string) value.Value {
	m := value.NewMap()
	m.Set("role", value.String("user"))
	m.Set("content", value.String(text))
	return m
}

func inferInput(messages ...value.Value) value.Value {
	in := value.NewMap()
	in.Set("messages", value.Array(messages))
	return in
}

func newOperator(script []int32, pages, contextWindow, chunkSize int) (*Operator, *scriptedBackend) {
	backend := &scriptedBackend{
		script:    script,
		vocabSize: controlTokenBase + 4096,
		pages:     pages,
		meta:      BackendMetadata{ContextWindowSize: contextWindow, PrefillChunkSize: chunkSize},
	}
	op := New(Options{
		Tokenizer:     fakeTokenizer{vocabSize: controlTokenBase + 4096},
		Renderer:      fakeRenderer{prompt: "hi"},
		Backend:       backend,
		EndOfSequence: 1005,
	})
	return op, backend
}

func TestInferHappyPathEmitsContentThenFinishes(t *testing.T) {
	op, _ := newOperator([]int32{'h', 'i', 1005}, 10, 100, 4)
	if err := op.Initialize(inferInput(userMessage("hi"))); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	wantText := []string{"h", "i"}
	for _, want := range wantText {
		step, err := op.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		mv := step.Value.(*value.Map)
		contentV, ok := mv.Get("content")
		if !ok {
			t.Fatalf("step has no content field: %v", mv)
		}
		parts := contentV.(value.Array)
		got := string(mustGet(parts[0].(*value.Map), "text").(value.String))
		if got != want {
			t.Fatalf("content = %q, want %q", got, want)
		}
		if step.Finished {
			t.Fatalf("step for %q was marked finished", want)
		}
	}

	final, err := op.Step()
	if err != nil {
		t.Fatalf("final Step: %v", err)
	}
	if !final.Finished {
		t.Fatal("final step not marked finished")
	}
	mv := final.Value.(*value.Map)
	reason, _ := mv.Get("finish_reason")
	if reason.(value.String) != value.String(FinishStop) {
		t.Fatalf("finish_reason = %v, want stop", reason)
	}

	if _, err := op.Step(); !aerr.Is(err, aerr.KindOperatorTerminated) {
		t.Fatalf("Step after completion = %v, want KindOperatorTerminated", err)
	}
}

func TestInferReasoningModeSwitch(t *testing.T) {
	const (
		beginReasoning = int32(1001)
		closeReasoning = int32(1002)
	)
	op, _ := newOperator([]int32{beginReasoning, 'x', closeReasoning, 'h', 1005}, 10, 100, 4)
	op.opts.BeginOfReasoning = beginReasoning
	op.ConfigureStreamMode(StreamMode{
		Name:           ModeReasoning,
		OpenIndicator:  []int32{beginReasoning},
		CloseIndicator: []int32{closeReasoning},
	})
	if err := op.Initialize(inferInput(userMessage("hi"))); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	step1, err := op.Step()
	if err != nil {
		t.Fatalf("Step 1: %v", err)
	}
	mv := step1.Value.(*value.Map)
	reasoningV, ok := mv.Get("reasoning")
	if !ok {
		t.Fatalf("step 1 has no reasoning field: %v", mv)
	}
	got := string(mustGet(reasoningV.(value.Array)[0].(*value.Map), "text").(value.String))
	if got != "x" {
		t.Fatalf("reasoning text = %q, want x", got)
	}
	if op.currentMode != ModeReasoning {
		t.Fatalf("currentMode = %q, want reasoning", op.currentMode)
	}

	step2, err := op.Step()
	if err != nil {
		t.Fatalf("Step 2: %v", err)
	}
	if op.currentMode != ModeOutputText {
		t.Fatalf("currentMode after close indicator = %q, want output_text", op.currentMode)
	}
	_ = step2

	step3, err := op.Step()
	if err != nil {
		t.Fatalf("Step 3: %v", err)
	}
	mv3 := step3.Value.(*value.Map)
	contentV, _ := mv3.Get("content")
	gotH := string(mustGet(contentV.(value.Array)[0].(*value.Map), "text").(value.String))
	if gotH != "h" {
		t.Fatalf("content = %q, want h", gotH)
	}

	final, err := op.Step()
	if err != nil {
		t.Fatalf("final Step: %v", err)
	}
	if !final.Finished {
		t.Fatal("final step not finished")
	}
}

func TestInferToolCallAggregatesAndParses(t *testing.T) {
	const (
		beginToolCall = int32(2001)
		endToolCall   = int32(2002)
	)
	jsonChars := []int32{'{', '"', 'a', '"', ':', '1', '}'}
	script := append([]int32{beginToolCall}, jsonChars...)
	script = append(script, endToolCall)

	op, _ := newOperator(script, 10, 100, 4)
	op.opts.BeginOfToolCall = beginToolCall
	op.opts.EndOfToolCall = endToolCall
	op.ConfigureStreamMode(StreamMode{
		Name:           ModeToolCall,
		OpenIndicator:  []int32{beginToolCall},
		CloseIndicator: []int32{endToolCall},
	})
	if err := op.Initialize(inferInput(userMessage("call a tool"))); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	step, err := op.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	mv := step.Value.(*value.Map)
	callsV, ok := mv.Get("tool_calls")
	if !ok {
		t.Fatalf("step has no tool_calls field: %v", mv)
	}
	calls := callsV.(value.Array)
	if len(calls) != 1 {
		t.Fatalf("len(tool_calls) = %d, want 1", len(calls))
	}
	call := calls[0].(*value.Map)
	fn, ok := call.Get("function")
	if !ok {
		t.Fatal("tool call missing function field")
	}
	fnMap := fn.(*value.Map)
	aVal, ok := fnMap.Get("a")
	if !ok || aVal.(value.Float64) != value.Float64(1) {
		t.Fatalf("parsed argument a = %v, want 1", aVal)
	}
	if op.finishReason != FinishToolCalls {
		t.Fatalf("finishReason = %q, want tool_calls", op.finishReason)
	}
}

func TestInferInvalidToolCallArgumentFails(t *testing.T) {
	const (
		beginToolCall = int32(2001)
		endToolCall   = int32(2002)
	)
	script := []int32{beginToolCall, 'a', 'b', 'c', endToolCall}

	op, _ := newOperator(script, 10, 100, 4)
	op.opts.BeginOfToolCall = beginToolCall
	op.opts.EndOfToolCall = endToolCall
	op.ConfigureStreamMode(StreamMode{
		Name:           ModeToolCall,
		OpenIndicator:  []int32{beginToolCall},
		CloseIndicator: []int32{endToolCall},
	})
	if err := op.Initialize(inferInput(userMessage("call a tool"))); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	step, err := op.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !step.Finished {
		t.Fatal("step for malformed tool call argument not marked finished")
	}
	mv := step.Value.(*value.Map)
	if _, ok := mv.Get("error"); !ok {
		t.Fatalf("step has no error field: %v", mv)
	}
	if op.finishReason != FinishInvalidToolCall {
		t.Fatalf("finishReason = %q, want invalid_tool_call", op.finishReason)
	}
}

func TestPromptOverCacheCapacityFinishesLengthOnFirstStep(t *testing.T) {
	op, _ := newOperator(nil, 1, 1, 4)
	op.opts.Renderer = fakeRenderer{prompt: "abcdef"}
	if err := op.Initialize(inferInput(userMessage("hi"))); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	step, err := op.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !step.Finished {
		t.Fatal("step for over-capacity prompt not marked finished")
	}
	mv := step.Value.(*value.Map)
	reason, ok := mv.Get("finish_reason")
	if !ok || reason.(value.String) != value.String(FinishLength) {
		t.Fatalf("finish_reason = %v, want %q", reason, FinishLength)
	}
	if op.finishReason != FinishLength {
		t.Fatalf("finishReason = %q, want length", op.finishReason)
	}

	if _, err := op.Step(); !aerr.Is(err, aerr.KindOperatorTerminated) {
		t.Fatalf("Step after terminal length step = %v, want KindOperatorTerminated", err)
	}
}

func TestPrefillResyncsOnLongestCommonPrefix(t *testing.T) {
	op, backend := newOperator([]int32{1005}, 10, 100, 2)
	backend.meta.PrefillChunkSize = 2

	op.opts.Renderer = fakeRenderer{prompt: "ab"}
	if err := op.Initialize(inferInput(userMessage("ab"))); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if len(backend.popNCalls) != 0 {
		t.Fatalf("popNCalls on first prefill = %v, want none", backend.popNCalls)
	}

	backend.idx = 0
	backend.script = []int32{1005}
	op.opts.Renderer = fakeRenderer{prompt: "ac"}
	if err := op.Initialize(inferInput(userMessage("ac"))); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if len(backend.popNCalls) != 1 || backend.popNCalls[0] != 1 {
		t.Fatalf("popNCalls on resync = %v, want [1]", backend.popNCalls)
	}
}

func TestSetGrammarThenResetGrammar(t *testing.T) {
	opts := Options{
		Tokenizer: fakeTokenizer{vocabSize: controlTokenBase + 4096},
		Renderer:  fakeRenderer{prompt: "hi"},
		Backend:   &scriptedBackend{vocabSize: controlTokenBase + 4096, meta: BackendMetadata{ContextWindowSize: 100}, pages: 10},
	}
	factory := NewComponentFactory(opts)
	comp, err := factory("lm1", value.Null{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	setMethod, err := comp.Method("set_grammar")
	if err != nil {
		t.Fatalf("Method set_grammar: %v", err)
	}
	setInstant, _ := operator.AsInstant(setMethod)

	in := value.NewMap()
	in.Set("mode", value.String("tool_call"))
	in.Set("kind", value.String("json"))
	in.Set("open_indicator", value.Array{value.Int(2001)})
	in.Set("close_indicator", value.Array{value.Int(2002)})
	if _, err := setInstant.Run(in); err != nil {
		t.Fatalf("set_grammar: %v", err)
	}

	op := comp.Methods["infer"].(*Operator)
	mode := op.modes[ModeToolCall]
	if mode == nil || mode.Grammar == nil {
		t.Fatal("set_grammar did not install a grammar on tool_call mode")
	}

	resetMethod, err := comp.Method("reset_grammar")
	if err != nil {
		t.Fatalf("Method reset_grammar: %v", err)
	}
	resetInstant, _ := operator.AsInstant(resetMethod)
	rin := value.NewMap()
	rin.Set("mode", value.String("tool_call"))
	if _, err := resetInstant.Run(rin); err != nil {
		t.Fatalf("reset_grammar: %v", err)
	}
	if op.modes[ModeToolCall].Grammar != nil {
		t.Fatal("reset_grammar left a grammar installed")
	}
}
