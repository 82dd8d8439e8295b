package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// ReflectSchema derives a JSON Schema from a parameter struct. Tools declare
// their parameters as Go structs and reflect the schema once at construction.
func ReflectSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		// Reflection over our own static structs cannot fail at runtime.
		panic(err)
	}
	return raw
}