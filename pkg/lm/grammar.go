package lm

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/brekkylab/ailoy/pkg/aerr"
)

// GrammarKind names one of the four grammar sources the "set_grammar"
// method exposes as configuration ops.
type GrammarKind string

const (
	GrammarJSON       GrammarKind = "json"
	GrammarJSONSchema GrammarKind = "json_schema"
	GrammarRegex      GrammarKind = "regex"
	GrammarEBNF       GrammarKind = "ebnf"
)

// Grammar constrains decoding on a stream mode. It is built once when the
// mode is configured and is not compiled against the tokenizer
// vocabulary; NewMatcher is called each time the mode opens during a run.
type Grammar interface {
	NewMatcher() GrammarMatcher
}

// GrammarMatcher is the per-run instance a stream mode installs while
// active.
type GrammarMatcher interface {
	// NextTokenMask reports which of the vocabSize token ids are legal
	// next, or nil if the matcher imposes no restriction at this point.
	NextTokenMask(vocabSize int) []bool
	// Feed advances the matcher by one accepted token. Terminated
	// reports whether the grammar has reached an accepting state.
	Feed(token int32) (terminated bool)
}

// jsonGrammar is the built-in "any well-formed JSON value" grammar.
// Its matcher never restricts tokens at the bitmask layer: full CFG-
// driven next-token masking against an arbitrary tokenizer vocabulary is
// out of scope for this module (see DESIGN.md); well-formedness is
// instead checked once the aggregated text is parsed, the same point the
// tool_call branch already parses arguments at.
type jsonGrammar struct{}

func (jsonGrammar) NewMatcher() GrammarMatcher { return &passthroughMatcher{} }

type passthroughMatcher struct{}

func (*passthroughMatcher) NextTokenMask(int) []bool       { return nil }
func (*passthroughMatcher) Feed(int32) (terminated bool) { return false }

// jsonSchemaGrammar validates the final aggregated JSON text against a
// declared schema once parsing succeeds, rather than constraining the
// token stream in flight -- see jsonGrammar's note on scope.
type jsonSchemaGrammar struct {
	resolved *jsonschema.Resolved
}

// NewJSONSchemaGrammar compiles schema (a JSON-schema document) for
// later validation by ValidateText.
func NewJSONSchemaGrammar(schema *jsonschema.Schema) (Grammar, error) {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, aerr.New(aerr.KindValueError, "lm: resolving json schema: "+err.Error())
	}
	return &jsonSchemaGrammar{resolved: resolved}, nil
}

func (g *jsonSchemaGrammar) NewMatcher() GrammarMatcher { return &passthroughMatcher{} }

// ValidateText parses text as JSON and validates it against g's schema,
// the check json_schema mode performs once a tool-call
// argument aggregator closes.
func (g *jsonSchemaGrammar) ValidateText(text string) error {
	var instance any
	if err := json.Unmarshal([]byte(text), &instance); err != nil {
		return aerr.New(aerr.KindInvalidToolCall, "lm: tool call argument is not valid JSON: "+err.Error())
	}
	if err := g.resolved.Validate(instance); err != nil {
		return aerr.New(aerr.KindInvalidToolCall, "lm: tool call argument failed schema validation: "+err.Error())
	}
	return nil
}

// regexGrammar and ebnfGrammar are accepted configuration kinds but,
// like jsonGrammar, do not yet constrain decoding at the bitmask layer;
// NextTokenMask always returns nil. They exist so a caller configuring
// a stream mode with GrammarRegex/GrammarEBNF gets a mode-switch-capable
// matcher rather than a config-time rejection.
type regexGrammar struct{ pattern string }

func (regexGrammar) NewMatcher() GrammarMatcher { return &passthroughMatcher{} }

type ebnfGrammar struct{ grammar string }

func (ebnfGrammar) NewMatcher() GrammarMatcher { return &passthroughMatcher{} }

// NewRegexGrammar builds a GrammarRegex-kind grammar from its pattern
// text. The pattern is not compiled here; no bitmask constraint is
// applied (see jsonGrammar's scope note).
func NewRegexGrammar(pattern string) Grammar { return regexGrammar{pattern: pattern} }

// NewEBNFGrammar builds a GrammarEBNF-kind grammar from its grammar
// text, under the same scope note as NewRegexGrammar.
func NewEBNFGrammar(grammar string) Grammar { return ebnfGrammar{grammar: grammar} }
