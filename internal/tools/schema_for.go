package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a tool Schema from a struct type via reflection. Struct
// tags drive the result: `json` names the parameter, `jsonschema` supplies
// description and required/nullable markers the way the reflector defines
// them. Only flat argument structs are supported; nested objects surface as
// TypeObject parameters.
func SchemaFor[T any]() (Schema, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	reflected := reflector.Reflect(&zero)

	raw, err := json.Marshal(reflected)
	if err != nil {
		return Schema{}, fmt.Errorf("reflect schema: %w", err)
	}

	var doc struct {
		Properties map[string]struct {
			Type        any    `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Schema{}, fmt.Errorf("decode reflected schema: %w", err)
	}

	required := make(map[string]bool, len(doc.Required))
	for _, name := range doc.Required {
		required[name] = true
	}

	params := make(map[string]Param, len(doc.Properties))
	for name, prop := range doc.Properties {
		params[name] = Param{
			Type:        paramTypeOf(prop.Type),
			Description: prop.Description,
			Required:    required[name],
			Nullable:    isNullable(prop.Type),
		}
	}
	return Schema{Params: params}, nil
}

// MustSchemaFor is SchemaFor for statically known argument structs.
func MustSchemaFor[T any]() Schema {
	s, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return s
}

func paramTypeOf(t any) ParamType {
	switch v := t.(type) {
	case string:
		return normalizeType(v)
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "null" {
				return normalizeType(s)
			}
		}
	}
	return TypeAny
}

func normalizeType(s string) ParamType {
	switch ParamType(s) {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return ParamType(s)
	}
	return TypeAny
}

func isNullable(t any) bool {
	list, ok := t.([]any)
	if !ok {
		return false
	}
	for _, entry := range list {
		if entry == "null" {
			return true
		}
	}
	return false
}
