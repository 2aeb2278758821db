package tools

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/tadpole/internal/mcp"
	"github.com/nugget/tadpole/internal/value"
)

// Param is one tool parameter reduced to a primitive type.
type Param struct {
	// Type is always one of string, integer, number or boolean.
	Type value.Type `json:"type"`

	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`

	// Source is the declared type when it had to be degraded, e.g. an
	// object parameter exposed to the model as a JSON string. Arguments
	// are coerced back toward Source before dispatch.
	Source value.Type `json:"source,omitempty"`
}

// DispatchType is the type arguments for p are coerced to before a call.
func (p Param) DispatchType() value.Type {
	if p.Source != "" {
		return p.Source
	}
	return p.Type
}

// Descriptor is a tool offered by one server, in model-ready shape.
type Descriptor struct {
	Server      string           `json:"server,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Params      map[string]Param `json:"params"`
	Required    []string         `json:"required,omitempty"`
}

// ParamNames returns the parameter names in sorted order.
func (d Descriptor) ParamNames() []string {
	names := make([]string, 0, len(d.Params))
	for n := range d.Params {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsRequired reports whether name is a required parameter.
func (d Descriptor) IsRequired(name string) bool {
	for _, r := range d.Required {
		if r == name {
			return true
		}
	}
	return false
}

// ArgTypes maps each parameter to its dispatch type.
func (d Descriptor) ArgTypes() map[string]value.Type {
	types := make(map[string]value.Type, len(d.Params))
	for name, p := range d.Params {
		types[name] = p.DispatchType()
	}
	return types
}

// FromDefinition converts a tool definition reported by a server into a
// Descriptor. Schema shapes the model cannot express are flattened on a
// best-effort basis; conversion never fails.
func FromDefinition(server string, td mcp.ToolDefinition) Descriptor {
	d := Descriptor{
		Server:      server,
		Name:        td.Name,
		Description: strings.TrimSpace(td.Description),
		Params:      make(map[string]Param),
	}

	schema := mapToJSONSchema(td.InputSchema)
	if schema == nil {
		// Unparseable schema: fall back to bare property types.
		for name, t := range mcp.SchemaTypes(td.InputSchema) {
			d.Params[name] = flattenType(t, "")
		}
		if req, ok := td.InputSchema["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					d.Required = append(d.Required, s)
				}
			}
		}
		return d
	}

	for name, prop := range schema.Properties {
		d.Params[name] = paramFromSchema(prop)
	}
	d.Required = append(d.Required, schema.Required...)
	return d
}

// mapToJSONSchema converts a decoded JSON schema into a typed schema.
func mapToJSONSchema(m map[string]any) *jsonschema.Schema {
	if m == nil {
		return nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil
	}

	return &schema
}

func paramFromSchema(s *jsonschema.Schema) Param {
	if s == nil {
		return Param{Type: value.TypeString}
	}
	p := flattenType(schemaType(s), s.Description)
	if p.Description == "" {
		p.Description = branchDescription(s)
	}
	p.Enum = enumValues(s, p.Type)
	return p
}

// schemaType resolves the effective type of s: an explicit type, the
// first non-null member of a type list, the shared type of union
// branches, or a type inferred from enum values.
func schemaType(s *jsonschema.Schema) value.Type {
	if s.Type != "" {
		return value.Type(s.Type)
	}
	for _, t := range s.Types {
		if t != string(value.TypeNull) {
			return value.Type(t)
		}
	}

	for _, branches := range [][]*jsonschema.Schema{s.AnyOf, s.OneOf, s.AllOf} {
		var found value.Type
		mixed := false
		for _, b := range branches {
			if b == nil {
				continue
			}
			t := schemaType(b)
			if t == "" || t == value.TypeNull {
				continue
			}
			if found == "" {
				found = t
			} else if found != t {
				mixed = true
			}
		}
		if mixed {
			return value.TypeString
		}
		if found != "" {
			return found
		}
	}

	if len(s.Enum) > 0 {
		switch s.Enum[0].(type) {
		case float64:
			return value.TypeNumber
		case bool:
			return value.TypeBoolean
		}
		return value.TypeString
	}
	return ""
}

// flattenType maps a declared type onto the primitives the model sees.
func flattenType(t value.Type, description string) Param {
	switch t {
	case value.TypeString, value.TypeInteger, value.TypeNumber, value.TypeBoolean:
		return Param{Type: t, Description: description}
	case value.TypeArray:
		return Param{Type: value.TypeString, Description: withHint(description, "JSON array"), Source: value.TypeArray}
	case value.TypeObject:
		return Param{Type: value.TypeString, Description: withHint(description, "JSON object"), Source: value.TypeObject}
	default:
		return Param{Type: value.TypeString, Description: description}
	}
}

func withHint(description, hint string) string {
	if description == "" {
		return "(" + hint + ")"
	}
	return description + " (" + hint + ")"
}

func branchDescription(s *jsonschema.Schema) string {
	for _, branches := range [][]*jsonschema.Schema{s.AnyOf, s.OneOf, s.AllOf} {
		for _, b := range branches {
			if b != nil && b.Description != "" {
				return b.Description
			}
		}
	}
	return ""
}

// enumValues returns the allowed values of s in the JSON type of the
// parameter. String parameters get their values as text.
func enumValues(s *jsonschema.Schema, t value.Type) []any {
	values := s.Enum
	if len(values) == 0 {
		for _, branches := range [][]*jsonschema.Schema{s.AnyOf, s.OneOf} {
			for _, b := range branches {
				if b != nil && len(b.Enum) > 0 {
					values = b.Enum
					break
				}
			}
		}
	}
	if len(values) == 0 {
		return nil
	}
	out := make([]any, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		x := value.FromAny(v)
		if t == value.TypeString {
			out = append(out, x.String())
		} else {
			out = append(out, x.Any())
		}
	}
	return out
}

// FunctionSpec is the function-calling shape chat backends consume.
type FunctionSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  FunctionParameters `json:"parameters"`
}

// FunctionParameters is the parameters object of a FunctionSpec.
type FunctionParameters struct {
	Type       string                  `json:"type"`
	Properties map[string]PropertySpec `json:"properties"`
	Required   []string                `json:"required"`
}

// PropertySpec describes one parameter of a FunctionSpec.
type PropertySpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// ToModelFunction converts d into a FunctionSpec. Descriptions and the
// required list are preserved verbatim.
func ToModelFunction(d Descriptor) FunctionSpec {
	props := make(map[string]PropertySpec, len(d.Params))
	for name, p := range d.Params {
		props[name] = PropertySpec{
			Type:        string(p.Type),
			Description: p.Description,
			Enum:        p.Enum,
		}
	}
	required := make([]string, len(d.Required))
	copy(required, d.Required)

	return FunctionSpec{
		Name:        d.Name,
		Description: d.Description,
		Parameters: FunctionParameters{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

// FromModelFunction converts a FunctionSpec back into a Descriptor.
func FromModelFunction(f FunctionSpec) Descriptor {
	d := Descriptor{
		Name:        f.Name,
		Description: f.Description,
		Params:      make(map[string]Param, len(f.Parameters.Properties)),
	}
	for name, p := range f.Parameters.Properties {
		d.Params[name] = Param{
			Type:        value.Type(p.Type),
			Description: p.Description,
			Enum:        p.Enum,
		}
	}
	d.Required = append(d.Required, f.Parameters.Required...)
	return d
}

// Map renders f in the {"type":"function","function":{...}} form sent
// to chat backends.
func (f FunctionSpec) Map() map[string]any {
	props := make(map[string]any, len(f.Parameters.Properties))
	for name, p := range f.Parameters.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	required := f.Parameters.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        f.Name,
			"description": f.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		},
	}
}
