package modules

import (
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

// echoFunction returns the input value unchanged, the minimal function a
// caller can subscribe against to exercise the dispatch path end to end.
func echoFunction() operator.Instant {
	return operator.InstantFunc(func(input value.Value) (value.Value, error) {
		return input, nil
	})
}
