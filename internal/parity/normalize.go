package parity

import (
	"encoding/json"
	"math"
)

// StripJSONKeys returns a normalizer that removes provided keys from JSON
// objects at any depth.
func StripJSONKeys(keys ...string) func([]byte) []byte {
	if len(keys) == 0 {
		return func(b []byte) []byte { return b }
	}

	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}

	return func(b []byte) []byte {
		if len(b) == 0 {
			return b
		}

		var payload any
		if err := json.Unmarshal(b, &payload); err != nil {
			return b
		}

		stripKeys(payload, keySet)

		result, err := json.Marshal(payload)
		if err != nil {
			return b
		}
		return result
	}
}

func stripKeys(value any, keySet map[string]struct{}) {
	switch v := value.(type) {
	case map[string]any:
		for key := range keySet {
			delete(v, key)
		}
		for _, child := range v {
			stripKeys(child, keySet)
		}
	case []any:
		for _, elem := range v {
			stripKeys(elem, keySet)
		}
	}
}

// equalJSON compares decoded JSON values, treating numbers within tolerance as equal.
func equalJSON(a, b any, tolerance float64) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, value := range av {
			other, ok := bv[key]
			if !ok || !equalJSON(value, other, tolerance) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalJSON(av[i], bv[i], tolerance) {
				return false
			}
		}
		return true
	case float64:
		bv, ok := b.(float64)
		return ok && math.Abs(av-bv) <= tolerance
	default:
		return a == b
	}
}
