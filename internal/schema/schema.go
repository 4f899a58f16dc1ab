// Package schema builds the JSON Schema documents the Agent Clients hand
// to each agent family (as a --output-schema file for family A, and as
// the shape validated against family B's structured_output) and exposes
// a Validate helper so a payload is checked before being unmarshaled into
// internal/model types — closing the "never let raw maps leak into the
// controller" design note (specification §9) at the boundary rather than
// by convention.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

func str() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }

func arr(items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: items}
}

// Plan is the schema a reviewer's planning/refine-plan turn must satisfy.
var Plan = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"status": {Type: "string", Enum: []any{"OK", "NEEDS_USER_INPUT"}},
		"claude_prompt": str(),
		"tasks": arr(&jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"id":          str(),
				"title":       str(),
				"description": str(),
			},
			Required: []string{"id", "title", "description"},
		}),
		"test_commands": arr(&jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"id":      str(),
				"kind":    str(),
				"label":   str(),
				"command": str(),
				"timeout": {Type: "integer"},
			},
			Required: []string{"id", "kind", "command"},
		}),
		"notes":     str(),
		"questions": arr(str()),
	},
	Required: []string{"status"},
}

// ReviewerDecision is the schema a reviewer's review-candidates turn must
// satisfy. next_prompt is intentionally typed as ["string", "null"] so
// APPROVED's required-null can round-trip through JSON Schema validation.
var ReviewerDecision = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"status":              {Type: "string", Enum: []any{"APPROVED", "REJECTED", "NEEDS_USER_INPUT"}},
		"winner_candidate_id": str(),
		"summary":             str(),
		"feedback":            str(),
		"next_prompt":         {Types: []string{"string", "null"}},
		"questions":           arr(str()),
	},
	Required: []string{"status"},
}

// ExecutorResult is the schema an executor's structured_output must
// satisfy.
var ExecutorResult = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"status":     {Type: "string", Enum: []any{"DONE", "FAILED", "NEEDS_REVIEWER", "NEEDS_CODEX"}},
		"summary":    str(),
		"questions":  arr(str()),
		"session_id": str(),
	},
	Required: []string{"status"},
}

// Handoff is the schema an agent's HANDOFF turn must satisfy.
var Handoff = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"summary":     str(),
		"next_prompt": str(),
	},
	Required: []string{"summary"},
}

// Validate checks raw (a decoded JSON value, typically map[string]any)
// against sch and returns a descriptive error on mismatch.
func Validate(sch *jsonschema.Schema, raw any) error {
	resolved, err := sch.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolving schema: %w", err)
	}
	if err := resolved.Validate(raw); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// WriteFile serializes sch as JSON to path, the form family A's
// --output-schema flag expects.
func WriteFile(sch *jsonschema.Schema) ([]byte, error) {
	return json.MarshalIndent(sch, "", "  ")
}
