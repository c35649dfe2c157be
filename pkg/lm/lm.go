package lm

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

// FinishReason is the terminal classification of a completed infer run.
type FinishReason string

const (
	FinishStop            FinishReason = "stop"
	FinishLength          FinishReason = "length"
	FinishToolCalls       FinishReason = "tool_calls"
	FinishInvalidToolCall FinishReason = "invalid_tool_call"
)

const replacementCharacter = "�"

// StreamMode is one named decoding mode, switched into when the token
// sequence ends with its OpenIndicator and out of when it ends with its
// CloseIndicator.
type StreamMode struct {
	Name           string
	OpenIndicator  []int32
	CloseIndicator []int32
	Grammar        Grammar

	matcher GrammarMatcher
}

const (
	ModeOutputText = "output_text"
	ModeReasoning  = "reasoning"
	ModeToolCall   = "tool_call"
)

// Options configures one Operator at construction time. RandomDraw
// supplies the per-step uniform sample sampling needs; tests inject a
// deterministic sequence instead of wiring a live RNG.
type Options struct {
	Tokenizer  Tokenizer
	Renderer   ChatTemplateRenderer
	Backend    ComputeBackend
	RandomDraw func() float64

	Temperature float64
	TopP        float64

	BeginOfToolCall  int32
	EndOfToolCall    int32
	BeginOfReasoning int32
	EndOfSequence    int32
	PrefillChunkSize int
}

// Operator implements operator.Iterative as the tvm_language_model
// component's "infer" method.
type Operator struct {
	opts Options

	mu sync.Mutex

	history           []int32
	outputStream      []int32
	currentToken      int32
	finishReason      FinishReason
	temperature       float64
	topP              float64
	finished          bool
	pendingFinish     bool
	ignoreReasoning   bool
	currentMode       string
	modes             map[string]*StreamMode
	toolCallAggregate strings.Builder
}

// New returns an Operator ready for one Initialize/Step run. opts'
// collaborators and sampling defaults are fixed for the component's
// lifetime; per-call overrides (temperature, top_p, tools) arrive
// through Initialize's input.
func New(opts Options) *Operator {
	if opts.RandomDraw == nil {
		var n uint64
		opts.RandomDraw = func() float64 {
			n++
			return float64(n%997) / 997
		}
	}
	return &Operator{
		opts:  opts,
		modes: defaultStreamModes(),
	}
}

func defaultStreamModes() map[string]*StreamMode {
	return map[string]*StreamMode{
		ModeOutputText: {Name: ModeOutputText},
	}
}

// ConfigureStreamMode installs or replaces a named stream mode,
// exposed as a sibling instant method on the component.
func (op *Operator) ConfigureStreamMode(mode StreamMode) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.modes[mode.Name] = &mode
}

// ResetStreamMode removes a previously configured grammar from mode,
// leaving indicator-based switching intact.
func (op *Operator) ResetStreamMode(name string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if m, ok := op.modes[name]; ok {
		m.Grammar = nil
		m.matcher = nil
	}
}

// Initialize runs the validate/normalize/render/tokenize/prefill
// pipeline once.
func (op *Operator) Initialize(input value.Value) error {
	mv, ok := input.(*value.Map)
	if !ok {
		return aerr.NewType("lm.infer", "input", "map", input.Kind().String())
	}

	messagesV, ok := mv.Get("messages")
	if !ok {
		return aerr.NewValue("lm.infer", "messages", "present", "missing")
	}
	messages, err := decodeMessages(messagesV)
	if err != nil {
		return err
	}

	enableReasoning := boolField(mv, "enable_reasoning", false)
	op.ignoreReasoning = boolField(mv, "ignore_reasoning_messages", false)
	op.temperature = floatField(mv, "temperature", op.opts.Temperature)
	op.topP = floatField(mv, "top_p", op.opts.TopP)

	var tools []Tool
	if toolsV, ok := mv.Get("tools"); ok {
		tools, err = decodeTools(toolsV)
		if err != nil {
			return err
		}
	}

	if err := validateMessages(messages); err != nil {
		return err
	}
	normalized := normalizeMessages(messages, enableReasoning)

	prompt, err := op.opts.Renderer.Render(normalized, tools, true, value.NewMap())
	if err != nil {
		return aerr.New(aerr.KindValueError, "lm.infer: render: "+err.Error())
	}

	op.currentMode = ModeOutputText
	op.finished = false
	op.pendingFinish = false
	op.outputStream = nil
	op.toolCallAggregate.Reset()

	tokens := op.opts.Tokenizer.Encode(prompt)
	if err := op.prefill(tokens); err != nil {
		return err
	}
	if !op.pendingFinish {
		op.finishReason = FinishStop
	}
	return nil
}

// prefill resyncs against the longest common prefix with the existing
// history, then feeds the remainder in chunks. A prompt that overruns the
// backend's available cache capacity is not an Initialize failure: it
// sets pendingFinish so the first Step call reports finish_reason=length
// on a clean terminal step instead.
func (op *Operator) prefill(tokens []int32) error {
	lcp := longestCommonPrefix(op.history, tokens)
	if drop := len(op.history) - lcp; drop > 0 {
		if err := op.opts.Backend.PopN(drop); err != nil {
			return aerr.New(aerr.KindValueError, "lm.infer: popping kv cache: "+err.Error())
		}
	}

	remainder := tokens[lcp:]
	meta := op.opts.Backend.Metadata()
	chunkSize := meta.PrefillChunkSize
	if chunkSize <= 0 {
		chunkSize = len(remainder)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	capacity := op.opts.Backend.NumAvailablePages() * max(meta.ContextWindowSize, 1)
	if capacity > 0 && len(remainder) > capacity {
		op.finishReason = FinishLength
		op.pendingFinish = true
		return nil
	}

	for start := 0; start < len(remainder); start += chunkSize {
		end := min(start+chunkSize, len(remainder))
		chunk := remainder[start:end]
		if err := op.opts.Backend.Embed(chunk); err != nil {
			return aerr.New(aerr.KindValueError, "lm.infer: embed: "+err.Error())
		}
		if err := op.opts.Backend.Prefill(chunk); err != nil {
			return aerr.New(aerr.KindValueError, "lm.infer: prefill: "+err.Error())
		}
	}

	op.history = append([]int32{}, tokens...)
	if len(tokens) > 0 {
		op.currentToken = tokens[len(tokens)-1]
	}
	return nil
}

// Step runs the inner decode loop until it produces exactly one
// emittable delta or reaches a terminal condition.
func (op *Operator) Step() (operator.Step, error) {
	if op.finished {
		return operator.Step{}, aerr.New(aerr.KindOperatorTerminated, "lm.infer: step called after completion")
	}
	if op.pendingFinish {
		op.pendingFinish = false
		op.finished = true
		return op.terminalStep(), nil
	}

	for {
		logits, err := op.opts.Backend.Decode(op.currentToken)
		if err != nil {
			if aerr.Is(err, aerr.KindContextLengthLimit) {
				op.finished = true
				op.finishReason = FinishLength
				return op.terminalStep(), nil
			}
			return operator.Step{}, aerr.New(aerr.KindValueError, "lm.infer: decode: "+err.Error())
		}

		mode := op.modes[op.currentMode]
		if mode != nil && mode.matcher != nil {
			mask := mode.matcher.NextTokenMask(op.opts.Tokenizer.VocabSize())
			if mask != nil {
				op.opts.Backend.ApplyBitmaskInPlace(logits, mask)
			}
		}

		draw := op.opts.RandomDraw()
		token, err := op.opts.Backend.SampleTopP(logits, op.temperature, op.topP, draw)
		if err != nil {
			return operator.Step{}, aerr.New(aerr.KindValueError, "lm.infer: sample: "+err.Error())
		}

		op.history = append(op.history, token)
		op.currentToken = token
		if mode != nil && mode.matcher != nil {
			if mode.matcher.Feed(token) {
				mode.matcher = nil
			}
		}
		op.switchStreamMode(token)

		op.outputStream = append(op.outputStream, token)
		text := op.opts.Tokenizer.Decode(op.outputStream)
		if strings.HasSuffix(text, replacementCharacter) {
			continue // incomplete codepoint, keep accumulating
		}
		op.outputStream = nil

		if step, done, emit := op.branch(token, text); emit {
			if done {
				op.finished = true
			}
			return step, nil
		}
	}
}

func (op *Operator) terminalStep() operator.Step {
	out := value.NewMap()
	out.Set("finish_reason", value.String(string(op.finishReason)))
	return operator.Step{Value: out, Finished: true}
}

// switchStreamMode checks the active mode's indicators and flips
// currentMode when the token sequence now ends with one.
func (op *Operator) switchStreamMode(token int32) {
	if op.currentMode == ModeOutputText {
		for name, mode := range op.modes {
			if name == ModeOutputText {
				continue
			}
			if endsWith(op.history, mode.OpenIndicator) {
				op.currentMode = name
				if mode.Grammar != nil {
					mode.matcher = mode.Grammar.NewMatcher()
				}
				return
			}
		}
		return
	}
	mode := op.modes[op.currentMode]
	if mode != nil && endsWith(op.history, mode.CloseIndicator) {
		mode.matcher = nil
		op.currentMode = ModeOutputText
	}
}

// branch decides what, if anything, the current mode emits for token.
// emit reports whether Step should return now; done reports whether
// the run is finished.
func (op *Operator) branch(token int32, text string) (step operator.Step, done bool, emit bool) {
	switch op.currentMode {
	case ModeToolCall:
		if token == op.opts.BeginOfToolCall {
			op.finishReason = FinishToolCalls
			return operator.Step{}, false, false
		}
		op.toolCallAggregate.WriteString(text)
		return operator.Step{}, false, false

	case ModeReasoning:
		if op.ignoreReasoning {
			return operator.Step{}, false, false
		}
		if token == op.opts.BeginOfReasoning {
			return operator.Step{}, false, false
		}
		out := value.NewMap()
		out.Set("reasoning", value.Array{reasoningPart(text)})
		return operator.Step{Value: out}, false, true

	default: // output_text
		if token == op.opts.EndOfSequence {
			out := value.NewMap()
			out.Set("finish_reason", value.String(string(op.finishReason)))
			return operator.Step{Value: out, Finished: true}, true, true
		}
		if token == op.opts.EndOfToolCall {
			raw := op.toolCallAggregate.String()
			op.toolCallAggregate.Reset()
			if err := op.validateToolCallArguments(raw); err != nil {
				out := value.NewMap()
				errArr := value.Array{textPart("error", "Invalid tool_call created")}
				out.Set("error", errArr)
				op.finishReason = FinishInvalidToolCall
				return operator.Step{Value: out, Finished: true}, true, true
			}
			parsed, err := parseToolCallArguments(raw)
			if err != nil {
				out := value.NewMap()
				errArr := value.Array{textPart("error", "Invalid tool_call created")}
				out.Set("error", errArr)
				op.finishReason = FinishInvalidToolCall
				return operator.Step{Value: out, Finished: true}, true, true
			}
			out := value.NewMap()
			call := value.NewMap()
			call.Set("type", value.String("function"))
			call.Set("function", parsed)
			calls := value.Array{call}
			out.Set("tool_calls", calls)
			return operator.Step{Value: out}, false, true
		}
		if token == op.opts.BeginOfReasoning {
			return operator.Step{}, false, false
		}
		out := value.NewMap()
		content := value.Array{textPart("text", text)}
		out.Set("content", content)
		return operator.Step{Value: out}, false, true
	}
}

func reasoningPart(text string) value.Value { return textPart("text", text) }

func textPart(typ, text string) value.Value {
	p := value.NewMap()
	p.Set("type", value.String(typ))
	p.Set("text", value.String(text))
	return p
}

// validateToolCallArguments checks text against the tool_call mode's
// configured schema grammar, if any. A mode with no grammar, or a
// grammar kind other than json_schema, imposes no check here.
func (op *Operator) validateToolCallArguments(text string) error {
	op.mu.Lock()
	mode := op.modes[ModeToolCall]
	op.mu.Unlock()
	if mode == nil || mode.Grammar == nil {
		return nil
	}
	schemaGrammar, ok := mode.Grammar.(*jsonSchemaGrammar)
	if !ok {
		return nil
	}
	return schemaGrammar.ValidateText(text)
}

func parseToolCallArguments(text string) (value.Value, error) {
	v, err := parsePlainJSON([]byte(text))
	if err != nil {
		return nil, aerr.New(aerr.KindInvalidToolCall, "lm.infer: "+err.Error())
	}
	return v, nil
}

// parsePlainJSON decodes ordinary JSON text -- a tool's raw argument
// string, or a "tools" field supplied as a JSON-encoded string -- into
// the value tree, as opposed to value.DecodeJSON which only reads this
// module's own tagged-envelope wire format.
func parsePlainJSON(data []byte) (value.Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return plainToValue(raw), nil
}

func plainToValue(raw any) value.Value {
	switch t := raw.(type) {
	case nil:
		return value.Null{}
	case bool:
		return value.Bool(t)
	case float64:
		return value.Float64(t)
	case string:
		return value.String(t)
	case []any:
		arr := make(value.Array, len(t))
		for i, e := range t {
			arr[i] = plainToValue(e)
		}
		return arr
	case map[string]any:
		mv := value.NewMap()
		for k, e := range t {
			mv.Set(k, plainToValue(e))
		}
		return mv
	default:
		return value.Null{}
	}
}

// encodePlainJSON renders v as ordinary JSON text, the inverse of
// plainToValue, for handing a value-tree schema to a library that
// expects plain encoding/json-shaped input.
func encodePlainJSON(v value.Value) ([]byte, error) {
	return json.Marshal(valueToPlain(v))
}

func valueToPlain(v value.Value) any {
	switch t := v.(type) {
	case value.Null:
		return nil
	case value.Bool:
		return bool(t)
	case value.Int:
		return int64(t)
	case value.UInt:
		return uint64(t)
	case value.Float32:
		return float32(t)
	case value.Float64:
		return float64(t)
	case value.String:
		return string(t)
	case value.Array:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = valueToPlain(e)
		}
		return out
	case *value.Map:
		out := make(map[string]any, t.Len())
		t.Range(func(k string, v value.Value) bool {
			out[k] = valueToPlain(v)
			return true
		})
		return out
	default:
		return nil
	}
}

func endsWith(history, indicator []int32) bool {
	if len(indicator) == 0 || len(history) < len(indicator) {
		return false
	}
	offset := len(history) - len(indicator)
	for i, tok := range indicator {
		if history[offset+i] != tok {
			return false
		}
	}
	return true
}

func longestCommonPrefix(a, b []int32) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func boolField(mv *value.Map, key string, def bool) bool {
	v, ok := mv.Get(key)
	if !ok {
		return def
	}
	b, ok := v.(value.Bool)
	if !ok {
		return def
	}
	return bool(b)
}

func floatField(mv *value.Map, key string, def float64) float64 {
	v, ok := mv.Get(key)
	if !ok {
		return def
	}
	switch f := v.(type) {
	case value.Float64:
		return float64(f)
	case value.Float32:
		return float64(f)
	case value.Int:
		return float64(f)
	default:
		return def
	}
}

func decodeMessages(v value.Value) ([]Message, error) {
	arr, ok := v.(value.Array)
	if !ok {
		return nil, aerr.NewType("lm.infer", "messages", "array", v.Kind().String())
	}
	msgs := make([]Message, 0, len(arr))
	for i, item := range arr {
		mv, ok := item.(*value.Map)
		if !ok {
			return nil, aerr.NewType("lm.infer", "messages["+strconv.Itoa(i)+"]", "map", item.Kind().String())
		}
		roleV, ok := mv.Get("role")
		if !ok {
			return nil, aerr.NewValue("lm.infer", "messages["+strconv.Itoa(i)+"].role", "present", "missing")
		}
		roleS, ok := roleV.(value.String)
		if !ok {
			return nil, aerr.NewType("lm.infer", "messages["+strconv.Itoa(i)+"].role", "string", roleV.Kind().String())
		}
		msg := Message{Role: string(roleS)}
		if cv, ok := mv.Get("content"); ok {
			parts, err := decodeContentParts(cv)
			if err != nil {
				return nil, err
			}
			msg.Content = parts
		}
		if rv, ok := mv.Get("reasoning"); ok {
			parts, err := decodeContentParts(rv)
			if err != nil {
				return nil, err
			}
			msg.Reasoning = parts
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeContentParts(v value.Value) ([]ContentPart, error) {
	if s, ok := v.(value.String); ok {
		return []ContentPart{{Type: "text", Text: string(s)}}, nil
	}
	arr, ok := v.(value.Array)
	if !ok {
		return nil, aerr.NewType("lm.infer", "content", "array or string", v.Kind().String())
	}
	parts := make([]ContentPart, 0, len(arr))
	for _, item := range arr {
		mv, ok := item.(*value.Map)
		if !ok {
			return nil, aerr.NewType("lm.infer", "content[]", "map", item.Kind().String())
		}
		typeV, ok := mv.Get("type")
		if !ok {
			return nil, aerr.NewValue("lm.infer", "content[].type", "present", "missing")
		}
		textV, _ := mv.Get("text")
		typeS, _ := typeV.(value.String)
		textS, _ := textV.(value.String)
		parts = append(parts, ContentPart{Type: string(typeS), Text: string(textS)})
	}
	return parts, nil
}

func decodeTools(v value.Value) ([]Tool, error) {
	if s, ok := v.(value.String); ok {
		decoded, err := parsePlainJSON([]byte(s))
		if err != nil {
			return nil, aerr.New(aerr.KindValueError, "lm.infer: tools: "+err.Error())
		}
		v = decoded
	}
	arr, ok := v.(value.Array)
	if !ok {
		return nil, aerr.NewType("lm.infer", "tools", "array", v.Kind().String())
	}
	tools := make([]Tool, 0, len(arr))
	for _, item := range arr {
		mv, ok := item.(*value.Map)
		if !ok {
			return nil, aerr.NewType("lm.infer", "tools[]", "map", item.Kind().String())
		}
		nameV, _ := mv.Get("name")
		nameS, _ := nameV.(value.String)
		schemaV, _ := mv.Get("schema")
		tools = append(tools, Tool{Name: string(nameS), Schema: schemaV})
	}
	return tools, nil
}

// validateMessages checks role and content-part shape on every message.
func validateMessages(msgs []Message) error {
	for i, m := range msgs {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return aerr.Newf(aerr.KindValueError, "lm.infer: messages[%d].role %q is not one of system/user/assistant/tool", i, m.Role)
		}
		for _, part := range m.Content {
			if part.Type == "" {
				return aerr.Newf(aerr.KindValueError, "lm.infer: messages[%d].content entry missing type", i)
			}
		}
	}
	return nil
}

// normalizeMessages drops stale tool-call ids and merges consecutive
// text content parts.
func normalizeMessages(msgs []Message, enableReasoning bool) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Content = mergeConsecutiveText(m.Content)
		if m.Role == "assistant" || m.Role == "tool" {
			m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
			for j := range m.ToolCalls {
				m.ToolCalls[j].ID = ""
			}
		}
		if m.Role == "assistant" {
			if enableReasoning && len(m.Reasoning) == 0 {
				m.Reasoning = []ContentPart{{Type: "text", Text: ""}}
			}
		}
		out[i] = m
	}
	return out
}

func mergeConsecutiveText(parts []ContentPart) []ContentPart {
	if len(parts) == 0 {
		return parts
	}
	merged := make([]ContentPart, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" && len(merged) > 0 && merged[len(merged)-1].Type == "text" {
			merged[len(merged)-1].Text += p.Text
			continue
		}
		merged = append(merged, p)
	}
	return merged
}
