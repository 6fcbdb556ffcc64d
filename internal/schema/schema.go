// Package schema describes tool parameters and validates untrusted
// tool-call arguments against them.
//
// A [Schema] is the small subset of JSON Schema that tool declarations
// use: type, enum, numeric bounds, string length, nested object
// properties and array items. Unlike a map[string]any, it keeps object
// properties in declaration order so that validation output and the
// declaration sent to the model are both stable.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON Schema type names understood by the validator.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeNull    = "null"
)

// Schema is a declarative description of one value.
type Schema struct {
	Type        string
	Description string
	Enum        []any
	Default     any
	Minimum     *float64
	Maximum     *float64
	MinLength   *int
	MaxLength   *int
	Properties  []Property
	Required    []string
	Items       *Schema
}

// Property is one named, ordered member of an object schema.
type Property struct {
	Name   string
	Schema *Schema
}

// Object returns an object schema with the given properties.
func Object(props ...Property) *Schema {
	return &Schema{Type: TypeObject, Properties: props}
}

// Prop pairs a property name with its schema.
func Prop(name string, s *Schema) Property {
	return Property{Name: name, Schema: s}
}

// String returns a string schema.
func String(description string) *Schema {
	return &Schema{Type: TypeString, Description: description}
}

// Integer returns an integer schema.
func Integer(description string) *Schema {
	return &Schema{Type: TypeInteger, Description: description}
}

// Number returns a number schema.
func Number(description string) *Schema {
	return &Schema{Type: TypeNumber, Description: description}
}

// Boolean returns a boolean schema.
func Boolean(description string) *Schema {
	return &Schema{Type: TypeBoolean, Description: description}
}

// Array returns an array schema whose elements match items.
func Array(items *Schema, description string) *Schema {
	return &Schema{Type: TypeArray, Items: items, Description: description}
}

// Require marks properties as required and returns s.
func (s *Schema) Require(names ...string) *Schema {
	s.Required = append(s.Required, names...)
	return s
}

// OneOf restricts the value to the given literals and returns s.
func (s *Schema) OneOf(values ...any) *Schema {
	s.Enum = append(s.Enum, values...)
	return s
}

// Range sets inclusive numeric bounds and returns s.
func (s *Schema) Range(lo, hi float64) *Schema {
	s.Minimum = &lo
	s.Maximum = &hi
	return s
}

// Min sets an inclusive lower bound and returns s.
func (s *Schema) Min(lo float64) *Schema {
	s.Minimum = &lo
	return s
}

// Max sets an inclusive upper bound and returns s.
func (s *Schema) Max(hi float64) *Schema {
	s.Maximum = &hi
	return s
}

// MinLen sets the minimum string length in characters and returns s.
func (s *Schema) MinLen(n int) *Schema {
	s.MinLength = &n
	return s
}

// MaxLen sets the maximum string length in characters and returns s.
func (s *Schema) MaxLen(n int) *Schema {
	s.MaxLength = &n
	return s
}

// WithDefault records a documented default and returns s. Defaults are
// advisory for the model; the validator does not apply them.
func (s *Schema) WithDefault(v any) *Schema {
	s.Default = v
	return s
}

// Property returns the schema of the named property, or nil.
func (s *Schema) Property(name string) *Schema {
	if s == nil {
		return nil
	}
	for _, p := range s.Properties {
		if p.Name == name {
			return p.Schema
		}
	}
	return nil
}

// Parse decodes a JSON Schema document. Object property order in the
// document becomes the declaration order.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// MarshalJSON encodes s as a JSON Schema object, emitting properties in
// declaration order.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(name string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(`"` + name + `":`)
		buf.Write(b)
		return nil
	}

	var err error
	set := func(name string, v any) {
		if err == nil {
			err = field(name, v)
		}
	}

	if s.Type != "" {
		set("type", s.Type)
	}
	if s.Description != "" {
		set("description", s.Description)
	}
	if len(s.Enum) > 0 {
		set("enum", s.Enum)
	}
	if s.Default != nil {
		set("default", s.Default)
	}
	if s.Minimum != nil {
		set("minimum", *s.Minimum)
	}
	if s.Maximum != nil {
		set("maximum", *s.Maximum)
	}
	if s.MinLength != nil {
		set("minLength", *s.MinLength)
	}
	if s.MaxLength != nil {
		set("maxLength", *s.MaxLength)
	}
	if s.Type == TypeObject || len(s.Properties) > 0 {
		set("properties", orderedProperties(s.Properties))
	}
	if len(s.Required) > 0 {
		set("required", s.Required)
	}
	if s.Items != nil {
		set("items", s.Items)
	}
	if err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type orderedProperties []Property

func (op orderedProperties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range op {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.Schema)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", p.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON Schema object, keeping property order.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        json.RawMessage `json:"type"`
		Description string          `json:"description"`
		Enum        []any           `json:"enum"`
		Default     any             `json:"default"`
		Minimum     *float64        `json:"minimum"`
		Maximum     *float64        `json:"maximum"`
		MinLength   *int            `json:"minLength"`
		MaxLength   *int            `json:"maxLength"`
		Properties  json.RawMessage `json:"properties"`
		Required    []string        `json:"required"`
		Items       *Schema         `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	typ, err := decodeType(raw.Type)
	if err != nil {
		return err
	}

	*s = Schema{
		Type:        typ,
		Description: raw.Description,
		Enum:        raw.Enum,
		Default:     raw.Default,
		Minimum:     raw.Minimum,
		Maximum:     raw.Maximum,
		MinLength:   raw.MinLength,
		MaxLength:   raw.MaxLength,
		Required:    raw.Required,
		Items:       raw.Items,
	}

	if len(raw.Properties) > 0 && string(raw.Properties) != "null" {
		props, err := decodeProperties(raw.Properties)
		if err != nil {
			return err
		}
		s.Properties = props
	}
	return nil
}

// decodeType accepts "string" or ["string", "null"]; for the list form
// the first non-null type wins.
func decodeType(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return "", fmt.Errorf("schema type: %w", err)
	}
	for _, t := range many {
		if t != TypeNull {
			return t, nil
		}
	}
	if len(many) > 0 {
		return many[0], nil
	}
	return "", nil
}

func decodeProperties(raw json.RawMessage) ([]Property, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("properties: expected object")
	}

	var props []Property
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("properties: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("properties: expected key, got %v", tok)
		}
		var child Schema
		if err := dec.Decode(&child); err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		props = append(props, Property{Name: name, Schema: &child})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	return props, nil
}
