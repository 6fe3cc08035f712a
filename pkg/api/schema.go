package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// allocateSchema validates POST /v1/leases bodies before they reach the
// pool, so malformed JSON shapes fail with the same taxonomy as semantic
// validation.
const allocateSchema = `{
	"type": "object",
	"required": ["id", "type"],
	"additionalProperties": false,
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "enum": ["memory", "cpu", "disk", "generic"]},
		"priority": {"type": "string", "enum": ["low", "medium", "high"]},
		"requirements": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"memory_mb": {"type": "integer", "minimum": 0},
				"cpu_cores": {"type": "number", "minimum": 0},
				"timeout_ms": {"type": "integer", "minimum": 0}
			}
		}
	}
}`

var allocateSchemaLoader = gojsonschema.NewStringLoader(allocateSchema)

// validateAllocateBody checks a raw request body against the allocate schema.
func validateAllocateBody(body []byte) error {
	result, err := gojsonschema.Validate(allocateSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if !result.Valid() {
		var violations []string
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}
		return fmt.Errorf("request validation failed: %s", strings.Join(violations, "; "))
	}
	return nil
}
