package tools

import (
	"strconv"
	"strings"
)

// CoerceArguments adjusts argument values to the types declared in a tool's
// JSON schema. Models routinely send numbers and booleans as strings; bridged
// MCP servers tend to validate strictly, so we repair what we can and leave
// the rest untouched.
func CoerceArguments(schema map[string]interface{}, args map[string]interface{}) map[string]interface{} {
	if schema == nil || args == nil {
		return args
	}
	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return args
	}
	out := make(map[string]interface{}, len(args))
	for key, value := range args {
		propSchema, ok := properties[key].(map[string]interface{})
		if !ok {
			out[key] = value
			continue
		}
		out[key] = coerceToSchema(propSchema, value)
	}
	return out
}

func coerceToSchema(propSchema map[string]interface{}, value interface{}) interface{} {
	declared, _ := propSchema["type"].(string)
	switch declared {
	case "number":
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	case "integer":
		switch v := value.(type) {
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		case float64:
			if v == float64(int(v)) {
				return int(v)
			}
		}
	case "boolean":
		if s, ok := value.(string); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(s))); err == nil {
				return b
			}
		}
	case "array":
		items, _ := propSchema["items"].(map[string]interface{})
		if list, ok := value.([]interface{}); ok && items != nil {
			out := make([]interface{}, len(list))
			for i, elem := range list {
				out[i] = coerceToSchema(items, elem)
			}
			return out
		}
	case "object":
		if nested, ok := value.(map[string]interface{}); ok {
			return CoerceArguments(propSchema, nested)
		}
	}
	return value
}
