package lm

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

// ComponentTypeName is the component type the default module registers
// this package's factory under.
const ComponentTypeName = "tvm_language_model"

// NewComponentFactory builds the operator.Factory the VM dispatcher's
// define_component handler invokes to create a tvm_language_model
// component: one Operator as the iterative "infer" method, plus
// "set_grammar"/"reset_grammar" implementing grammar configuration ops
// and "describe" reporting the component's capability Descriptor, all
// as instant sibling methods.
func NewComponentFactory(opts Options) operator.Factory {
	return func(name string, attrs value.Value) (*operator.Component, error) {
		op := New(opts)
		comp := operator.NewComponent(name)
		comp.Methods["infer"] = op
		comp.Methods["set_grammar"] = operator.InstantFunc(op.handleSetGrammar)
		comp.Methods["reset_grammar"] = operator.InstantFunc(op.handleResetGrammar)
		comp.Methods["describe"] = operator.InstantFunc(op.handleDescribe)
		return comp, nil
	}
}

func (op *Operator) handleSetGrammar(input value.Value) (value.Value, error) {
	mv, ok := input.(*value.Map)
	if !ok {
		return nil, aerr.NewType("lm.set_grammar", "input", "map", input.Kind().String())
	}
	modeV, ok := mv.Get("mode")
	if !ok {
		return nil, aerr.NewValue("lm.set_grammar", "mode", "present", "missing")
	}
	modeS, ok := modeV.(value.String)
	if !ok {
		return nil, aerr.NewType("lm.set_grammar", "mode", "string", modeV.Kind().String())
	}
	kindV, ok := mv.Get("kind")
	if !ok {
		return nil, aerr.NewValue("lm.set_grammar", "kind", "present", "missing")
	}
	kindS, ok := kindV.(value.String)
	if !ok {
		return nil, aerr.NewType("lm.set_grammar", "kind", "string", kindV.Kind().String())
	}

	grammar, err := buildGrammar(GrammarKind(kindS), mv)
	if err != nil {
		return nil, err
	}

	var openInd, closeInd []int32
	if v, ok := mv.Get("open_indicator"); ok {
		openInd, err = decodeIndicator(v)
		if err != nil {
			return nil, err
		}
	}
	if v, ok := mv.Get("close_indicator"); ok {
		closeInd, err = decodeIndicator(v)
		if err != nil {
			return nil, err
		}
	}

	op.ConfigureStreamMode(StreamMode{
		Name:           string(modeS),
		OpenIndicator:  openInd,
		CloseIndicator: closeInd,
		Grammar:        grammar,
	})
	return value.NewMap(), nil
}

func (op *Operator) handleResetGrammar(input value.Value) (value.Value, error) {
	mv, ok := input.(*value.Map)
	if !ok {
		return nil, aerr.NewType("lm.reset_grammar", "input", "map", input.Kind().String())
	}
	modeV, ok := mv.Get("mode")
	if !ok {
		return nil, aerr.NewValue("lm.reset_grammar", "mode", "present", "missing")
	}
	modeS, ok := modeV.(value.String)
	if !ok {
		return nil, aerr.NewType("lm.reset_grammar", "mode", "string", modeV.Kind().String())
	}
	op.ResetStreamMode(string(modeS))
	return value.NewMap(), nil
}

func buildGrammar(kind GrammarKind, mv *value.Map) (Grammar, error) {
	switch kind {
	case GrammarJSON:
		return jsonGrammar{}, nil
	case GrammarJSONSchema:
		schemaV, ok := mv.Get("schema")
		if !ok {
			return nil, aerr.NewValue("lm.set_grammar", "schema", "present", "missing")
		}
		schemaBytes, err := encodePlainJSON(schemaV)
		if err != nil {
			return nil, aerr.New(aerr.KindValueError, "lm.set_grammar: encoding schema: "+err.Error())
		}
		schema := &jsonschema.Schema{}
		if err := json.Unmarshal(schemaBytes, schema); err != nil {
			return nil, aerr.New(aerr.KindValueError, "lm.set_grammar: parsing json schema: "+err.Error())
		}
		return NewJSONSchemaGrammar(schema)
	case GrammarRegex:
		patternV, ok := mv.Get("pattern")
		if !ok {
			return nil, aerr.NewValue("lm.set_grammar", "pattern", "present", "missing")
		}
		patternS, ok := patternV.(value.String)
		if !ok {
			return nil, aerr.NewType("lm.set_grammar", "pattern", "string", patternV.Kind().String())
		}
		return NewRegexGrammar(string(patternS)), nil
	case GrammarEBNF:
		grammarV, ok := mv.Get("grammar")
		if !ok {
			return nil, aerr.NewValue("lm.set_grammar", "grammar", "present", "missing")
		}
		grammarS, ok := grammarV.(value.String)
		if !ok {
			return nil, aerr.NewType("lm.set_grammar", "grammar", "string", grammarV.Kind().String())
		}
		return NewEBNFGrammar(string(grammarS)), nil
	default:
		return nil, aerr.Newf(aerr.KindValueError, "lm.set_grammar: unknown grammar kind %q", kind)
	}
}

func decodeIndicator(v value.Value) ([]int32, error) {
	arr, ok := v.(value.Array)
	if !ok {
		return nil, aerr.NewType("lm.set_grammar", "indicator", "array", v.Kind().String())
	}
	out := make([]int32, len(arr))
	for i, item := range arr {
		n, ok := item.(value.Int)
		if !ok {
			return nil, aerr.NewType("lm.set_grammar", "indicator[]", "int", item.Kind().String())
		}
		out[i] = int32(n)
	}
	return out, nil
}
