package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaFor derives a JSON schema from a tool's argument struct. Schemas are
// inlined (no $ref) because providers expect a self-contained object schema.
func SchemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
	}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	// The draft URI is noise in a tool catalog.
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// ValidateArgs checks raw call arguments against a declared schema before the
// tool runs. Malformed calls are rejected here instead of surfacing halfway
// through a tool execution.
func ValidateArgs(schema map[string]any, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid arguments: %v", msgs)
	}
	return nil
}
