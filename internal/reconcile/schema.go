package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// buildCallbackJSONSchema returns the JSON-Schema (draft 2020-12 subset) a
// worker callback body must satisfy before it is applied to a record.
func buildCallbackJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"processing_id": map[string]any{"type": "string", "minLength": 1},
			"status": map[string]any{
				"type": "string",
				"enum": []string{"processing", "completed", "error", "partial",
					"PROCESSING", "COMPLETED", "ERROR", "PARTIAL"},
			},
			"progress":      map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			"result_ref":    map[string]any{"type": "string", "minLength": 1},
			"error_message": map[string]any{"type": "string"},
		},
		"required": []string{"processing_id", "status"},
	}
}

// callbackSchema is compiled once; the schema is static and validation runs
// on every callback.
var callbackSchema = mustCompileCallbackSchema()

func mustCompileCallbackSchema() *jsonschema.Schema {
	b, err := json.Marshal(buildCallbackJSONSchema())
	if err != nil {
		panic(fmt.Sprintf("marshal callback schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("callback.json", bytes.NewReader(b)); err != nil {
		panic(fmt.Sprintf("add callback schema: %v", err))
	}
	return compiler.MustCompile("callback.json")
}

// validateCallbackBody validates "data" against the callback schema.
func validateCallbackBody(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal callback: %w", err)
	}
	if err := callbackSchema.Validate(v); err != nil {
		return fmt.Errorf("callback does not match schema: %w", err)
	}
	return nil
}
