// Package jsonsafe decodes untrusted JSON documents into generic Go
// values while removing object keys that are used for prototype
// pollution attacks against downstream consumers of the stored data.
package jsonsafe

import (
	"encoding/json"
	"fmt"
)

// unsafeKeys are stripped from every object at every depth. Stored
// records and usage events may be re-served to JavaScript clients, so
// these keys must never survive a round trip through the gateway.
var unsafeKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Decode parses data into a generic value (map[string]any, []any,
// string, float64, bool or nil) and strips unsafe keys recursively.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return Strip(v), nil
}

// DecodeObject is Decode restricted to a top-level JSON object.
func DecodeObject(data []byte) (map[string]any, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected json object, got %T", v)
	}
	return obj, nil
}

// Strip walks a decoded JSON value and removes unsafe keys from every
// object it contains. The value is modified in place and returned.
func Strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, bad := unsafeKeys[k]; bad {
				delete(t, k)
				continue
			}
			t[k] = Strip(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = Strip(child)
		}
		return t
	default:
		return v
	}
}
