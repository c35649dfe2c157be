package modules

import (
	"github.com/google/uuid"

	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

// generateUUIDFunction returns a fresh random UUID string per call,
// ignoring its input.
func generateUUIDFunction() operator.Instant {
	return operator.InstantFunc(func(input value.Value) (value.Value, error) {
		out := value.NewMap()
		out.Set("uuid", value.String(uuid.NewString()))
		return out, nil
	})
}
