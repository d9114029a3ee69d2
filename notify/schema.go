package notify

import (
	"github.com/invopop/jsonschema"
)

// Schemas returns the JSON Schema of every payload variant keyed by type, so
// other marketplace services can validate events before posting them.
func Schemas() map[Type]*jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	out := make(map[Type]*jsonschema.Schema, len(payloadFactories))
	for t, factory := range payloadFactories {
		s := r.Reflect(factory())
		s.Title = string(t)
		out[t] = s
	}
	return out
}
