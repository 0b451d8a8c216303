package llm

import (
	"errors"
	"fmt"
)

// ErrMalformedToolCall indicates the model's tool-call arguments could
// not be decoded or do not satisfy the tool's parameter schema. Callers
// feed this back to the model as a failed tool result so it can
// self-correct; it is never fatal to a session.
var ErrMalformedToolCall = errors.New("llm: malformed tool call")

// ValidateArguments checks decoded tool-call arguments against a
// JSON-Schema-like parameter schema ({"type":"object","properties":
// {...},"required":[...]}). It verifies that every required field is
// present and that provided fields match their declared primitive type.
// Violations wrap ErrMalformedToolCall.
//
// A nil or non-object schema accepts anything: servers are not required
// to declare parameters.
func ValidateArguments(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	for _, name := range requiredFields(schema) {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("%w: missing required argument %q", ErrMalformedToolCall, name)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue // undeclared arguments pass through to the server
		}
		declared, _ := prop["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if !matchesType(declared, value) {
			return fmt.Errorf("%w: argument %q is %T, schema wants %s",
				ErrMalformedToolCall, name, value, declared)
		}
	}

	return nil
}

// requiredFields extracts the required-field list, tolerating both
// []string and the []any that json.Unmarshal produces.
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		fields := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	default:
		return nil
	}
}

// matchesType reports whether a decoded JSON value satisfies a
// JSON-Schema primitive type tag.
func matchesType(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		return isJSONNumber(value)
	case "integer":
		switch n := value.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		default:
			return false
		}
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		// Unknown tags (unions, $refs) are not validated here.
		return true
	}
}

func isJSONNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int64:
		return true
	default:
		return false
	}
}
