package modules

import (
	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

// spellerFactory builds a component whose "spell" method is iterative:
// it emits one letter of its input word per Step call, demonstrating the
// streaming call_method shape without needing a real language model.
func spellerFactory() operator.Factory {
	return func(name string, attrs value.Value) (*operator.Component, error) {
		comp := operator.NewComponent(name)
		comp.Methods["spell"] = &speller{}
		return comp, nil
	}
}

type speller struct {
	word string
	pos  int
}

func (s *speller) Initialize(input value.Value) error {
	mv, ok := input.(*value.Map)
	if !ok {
		return aerr.NewType("speller.spell", "input", "map", input.Kind().String())
	}
	wordV, ok := mv.Get("word")
	if !ok {
		return aerr.NewValue("speller.spell", "word", "present", "missing")
	}
	wordS, ok := wordV.(value.String)
	if !ok {
		return aerr.NewType("speller.spell", "word", "string", wordV.Kind().String())
	}
	if len(wordS) == 0 {
		return aerr.New(aerr.KindValueError, "speller.spell: word must not be empty")
	}
	s.word = string(wordS)
	s.pos = 0
	return nil
}

func (s *speller) Step() (operator.Step, error) {
	letter := string(s.word[s.pos])
	s.pos++
	out := value.NewMap()
	out.Set("letter", value.String(letter))
	out.Set("index", value.Int(int64(s.pos-1)))
	return operator.Step{Value: out, Finished: s.pos >= len(s.word)}, nil
}
