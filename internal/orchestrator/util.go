package orchestrator

import "encoding/json"

// remarshal decodes a raw map[string]any (already schema-validated) into a
// typed tagged-variant struct, the one place a raw map is allowed to touch
// the controller before becoming a model type (specification §9 "never
// let raw maps leak into the controller").
func remarshal[T any](raw map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
