package tools

import (
	"fmt"
	"math"
	"slices"
)

// Validate checks args against a JSON-schema style parameter definition.
// It understands the subset the tool schemas use: "required",
// per-property "type" (string, number, integer, boolean, object, array)
// and "enum", recursing into nested object properties. Properties not
// named in the schema are ignored.
func Validate(schema map[string]any, args map[string]any) error {
	return validateObject("", schema, args)
}

func validateObject(path string, schema map[string]any, obj map[string]any) error {
	for _, name := range stringList(schema["required"]) {
		if v, ok := obj[name]; !ok || v == nil {
			return fmt.Errorf("%s is required", join(path, name))
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		v, present := obj[name]
		if !present || v == nil {
			continue
		}
		if err := validateValue(join(path, name), prop, v); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, prop map[string]any, v any) error {
	typ, _ := prop["type"].(string)
	switch typ {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s must be a string, got %T", path, v)
		}
	case "number":
		if _, ok := toFloat(v); !ok {
			return fmt.Errorf("%s must be a number, got %T", path, v)
		}
	case "integer":
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("%s must be an integer, got %v", path, v)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s must be a boolean, got %T", path, v)
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("%s must be an array, got %T", path, v)
		}
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s must be an object, got %T", path, v)
		}
		if err := validateObject(path, prop, obj); err != nil {
			return err
		}
	}

	if enum := stringList(prop["enum"]); len(enum) > 0 {
		s, _ := v.(string)
		if !slices.Contains(enum, s) {
			return fmt.Errorf("%s must be one of %v, got %v", path, enum, v)
		}
	}
	return nil
}

// stringList accepts both []string (schemas written in Go) and []any
// (schemas decoded from JSON).
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
