package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks documents against a compiled schema. Compile once, share freely.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaMap.
func NewValidator(schemaMap map[string]any) (*Validator, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// NewListingValidator compiles the listing schema; it cannot fail for the built-in schema.
func NewListingValidator() *Validator {
	v, err := NewValidator(BuildListingJSONSchema())
	if err != nil {
		panic(fmt.Sprintf("listing schema: %v", err))
	}
	return v
}

// Validate checks data against the compiled schema.
func (v *Validator) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	v, err := NewValidator(schemaMap)
	if err != nil {
		return err
	}
	return v.Validate(data)
}
