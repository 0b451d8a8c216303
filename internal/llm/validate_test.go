package llm

import (
	"errors"
	"testing"
)

func TestValidateArguments(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
			"ratio": map[string]any{"type": "number"},
			"deep":  map[string]any{"type": "object"},
			"tags":  map[string]any{"type": "array"},
			"force": map[string]any{"type": "boolean"},
		},
		"required": []any{"path"},
	}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{
			name: "valid",
			args: map[string]any{"path": "/tmp/x", "count": float64(3), "force": true},
		},
		{
			name:    "missing required",
			args:    map[string]any{"count": float64(1)},
			wantErr: true,
		},
		{
			name:    "wrong type",
			args:    map[string]any{"path": 42},
			wantErr: true,
		},
		{
			name:    "fractional value for integer",
			args:    map[string]any{"path": "x", "count": 3.5},
			wantErr: true,
		},
		{
			name: "integral float for integer",
			args: map[string]any{"path": "x", "count": 3.0},
		},
		{
			name: "number accepts float",
			args: map[string]any{"path": "x", "ratio": 0.5},
		},
		{
			name: "undeclared argument passes through",
			args: map[string]any{"path": "x", "extra": "anything"},
		},
		{
			name: "nil value skipped",
			args: map[string]any{"path": "x", "count": nil},
		},
		{
			name: "object and array",
			args: map[string]any{"path": "x", "deep": map[string]any{}, "tags": []any{"a"}},
		},
		{
			name:    "array where object expected",
			args:    map[string]any{"path": "x", "deep": []any{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(schema, tt.args)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedToolCall) {
					t.Fatalf("ValidateArguments() error = %v, want ErrMalformedToolCall", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateArguments() error = %v, want nil", err)
			}
		})
	}
}

func TestValidateArgumentsNilSchema(t *testing.T) {
	if err := ValidateArguments(nil, map[string]any{"anything": 1}); err != nil {
		t.Fatalf("nil schema should accept anything, got %v", err)
	}
}

func TestValidateArgumentsRequiredStringSlice(t *testing.T) {
	// Schemas built in Go use []string rather than the []any that
	// json.Unmarshal produces.
	schema := map[string]any{"required": []string{"q"}}
	err := ValidateArguments(schema, map[string]any{})
	if !errors.Is(err, ErrMalformedToolCall) {
		t.Fatalf("ValidateArguments() error = %v, want ErrMalformedToolCall", err)
	}
	if err := ValidateArguments(schema, map[string]any{"q": "x"}); err != nil {
		t.Fatalf("ValidateArguments() error = %v, want nil", err)
	}
}

func TestValidateArgumentsUnknownTypeTag(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"v": map[string]any{"type": "string|null"},
		},
	}
	if err := ValidateArguments(schema, map[string]any{"v": 1}); err != nil {
		t.Fatalf("unknown type tags should not be validated, got %v", err)
	}
}
