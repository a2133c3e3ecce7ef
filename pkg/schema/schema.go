package schema

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Type is a canonical field type.
type Type string

const (
	TypeString          Type = "STRING"
	TypeInt32           Type = "INT32"
	TypeInt64           Type = "INT64"
	TypeDouble          Type = "DOUBLE"
	TypeBoolean         Type = "BOOLEAN"
	TypeTimestampMillis Type = "TIMESTAMP_MILLIS"
	TypeEnum            Type = "ENUM"
	TypeArray           Type = "ARRAY"
	TypeMap             Type = "MAP"
	TypeStruct          Type = "STRUCT"
)

var validTypes = map[Type]struct{}{
	TypeString: {}, TypeInt32: {}, TypeInt64: {}, TypeDouble: {}, TypeBoolean: {},
	TypeTimestampMillis: {}, TypeEnum: {}, TypeArray: {}, TypeMap: {}, TypeStruct: {},
}

// Field describes one field of a record type. Element, Value and Fields are
// populated for ARRAY, MAP and STRUCT respectively.
type Field struct {
	Name     string   `json:"name"`
	Type     Type     `json:"type"`
	Required bool     `json:"required,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Element  *Field   `json:"element,omitempty"`
	Value    *Field   `json:"value,omitempty"`
	Fields   []Field  `json:"fields,omitempty"`

	// AllowNonFinite permits NaN and Inf for DOUBLE fields.
	AllowNonFinite bool `json:"allowNonFinite,omitempty"`
}

// Schema is the canonical typed record description for one topic.
type Schema struct {
	Name    string  `json:"name"`
	Version int     `json:"version"`
	Fields  []Field `json:"fields"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Parse decodes and validates a structural JSON schema.
func Parse(b []byte) (*Schema, error) {
	s := &Schema{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Marshal encodes the schema back to its structural JSON form.
func (s *Schema) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Validate checks structural consistency of the schema.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema has no name")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q has no fields", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("schema %q: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if err := validateField(f, f.Name); err != nil {
			return fmt.Errorf("schema %q: %w", s.Name, err)
		}
	}
	return nil
}

func validateField(f *Field, path string) error {
	if _, ok := validTypes[f.Type]; !ok {
		return fmt.Errorf("field %s: unknown type %q", path, f.Type)
	}
	switch f.Type {
	case TypeEnum:
		if len(f.Symbols) == 0 {
			return fmt.Errorf("field %s: enum with no symbols", path)
		}
	case TypeArray:
		if f.Element == nil {
			return fmt.Errorf("field %s: array with no element type", path)
		}
		return validateField(f.Element, path+".element")
	case TypeMap:
		if f.Value == nil {
			return fmt.Errorf("field %s: map with no value type", path)
		}
		return validateField(f.Value, path+".value")
	case TypeStruct:
		if len(f.Fields) == 0 {
			return fmt.Errorf("field %s: struct with no fields", path)
		}
		for i := range f.Fields {
			if err := validateField(&f.Fields[i], path+"."+f.Fields[i].Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Field returns the top-level field with the given name.
func (s *Schema) Field(name string) (*Field, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// FieldNames returns the declared top-level field names in order.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for i := range s.Fields {
		names = append(names, s.Fields[i].Name)
	}
	return names
}

// HasSymbol reports whether the enum field allows the given symbol.
func (f *Field) HasSymbol(sym string) bool {
	for _, s := range f.Symbols {
		if s == sym {
			return true
		}
	}
	return false
}

func (f *Field) String() string {
	switch f.Type {
	case TypeEnum:
		return fmt.Sprintf("ENUM(%s)", strings.Join(f.Symbols, "|"))
	case TypeArray:
		return fmt.Sprintf("ARRAY<%s>", f.Element.String())
	case TypeMap:
		return fmt.Sprintf("MAP<%s>", f.Value.String())
	default:
		return string(f.Type)
	}
}
