package document

import (
	"bytes"
	"os"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/designsync/pkg/errmodel"
)

// Validator checks a document's shape at the system boundary.
type Validator interface {
	Validate(v Value) error
}

// SchemaValidator validates documents against a compiled JSON Schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

const schemaURL = "mem://design.schema.json"

// CompileSchema compiles raw JSON Schema bytes.
func CompileSchema(raw []byte) (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errmodel.Validation("invalid_schema", "schema is not valid JSON", map[string]any{"error": err.Error()})
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, errmodel.Validation("invalid_schema", err.Error(), nil)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, errmodel.Validation("invalid_schema", err.Error(), nil)
	}
	return &SchemaValidator{schema: sch}, nil
}

// LoadSchema compiles the schema file at path.
func LoadSchema(path string) (*SchemaValidator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return CompileSchema(raw)
}

// Validate implements Validator.
func (s *SchemaValidator) Validate(v Value) error {
	if s == nil || s.schema == nil {
		return nil
	}
	if err := s.schema.Validate(v.ToAny()); err != nil {
		return errmodel.InvalidDocument("document does not match schema", map[string]any{"detail": err.Error()}, nil)
	}
	return nil
}

// ParseValid parses data and runs validator when it is non-nil.
func ParseValid(data []byte, validator Validator) (Value, error) {
	v, err := Parse(data)
	if err != nil {
		return Value{}, err
	}
	if validator != nil {
		if err := validator.Validate(v); err != nil {
			return Value{}, err
		}
	}
	return v, nil
}
