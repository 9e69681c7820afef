// Package tools defines the tool contract, the name registry, and the
// invocation pipeline that validates arguments, emits lifecycle events, and
// renders bounded observations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ParamType is the closed set of schema parameter types.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
	TypeAny     ParamType = "any"
)

// Param describes one named tool argument.
type Param struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Nullable    bool      `json:"nullable,omitempty"`
}

// Schema is the named-parameter input schema of a tool.
type Schema struct {
	Params map[string]Param
}

// JSON renders the schema as a JSON-Schema object. Property order is
// deterministic (sorted by name).
func (s Schema) JSON() json.RawMessage {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	properties := map[string]any{}
	var required []string
	for _, name := range names {
		p := s.Params[name]
		prop := map[string]any{}
		switch {
		case p.Type == TypeAny:
			// No type constraint.
		case p.Nullable:
			prop["type"] = []string{string(p.Type), "null"}
		default:
			prop["type"] = string(p.Type)
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	out, err := json.Marshal(doc)
	if err != nil {
		// A schema built from Params cannot fail to marshal.
		panic(fmt.Sprintf("schema marshal: %v", err))
	}
	return out
}

// Tool is a callable capability exposed to the model.
type Tool interface {
	// Name identifies the tool in registries and model requests.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// InputSchema declares the named arguments.
	InputSchema() Schema

	// OutputType names the result type ("string", "object", "any", ...).
	OutputType() string

	// Call executes the tool. Arguments have passed schema validation.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName  string
	Desc      string
	Schema    Schema
	Output    string
	CalleeRun func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }
func (f *Func) InputSchema() Schema { return f.Schema }

func (f *Func) OutputType() string {
	if f.Output == "" {
		return "any"
	}
	return f.Output
}

func (f *Func) Call(ctx context.Context, args map[string]any) (any, error) {
	return f.CalleeRun(ctx, args)
}
