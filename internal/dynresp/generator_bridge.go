package dynresp

import (
	"encoding/json"

	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/internal/payload"
)

// newGeneratorFor bridges a config.GeneratorSpec to a payload.Generator.
// Kept as a thin indirection so dynresp does not need to know about
// payload's internal generator types, only its public factory.
func newGeneratorFor(spec config.GeneratorSpec, lim config.Limits) (payload.Generator, error) {
	return payload.NewGenerator(spec, lim)
}

func jsonUnmarshal(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}
