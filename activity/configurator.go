package activity

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kaptinlin/jsonschema"

	"github.com/nellyag1/wavescape-portal222/types"
)

// Configurator validates a session configuration document.
type Configurator interface {
	Validate(configuration []byte) error
}

// JSONConfigurator accepts any well-formed JSON document.
type JSONConfigurator struct{}

// Validate implements Configurator.
func (JSONConfigurator) Validate(configuration []byte) error {
	if !json.Valid(configuration) {
		return types.NewError(types.ErrValidation, "body does not contain valid JSON data; please refer to API documentation")
	}
	return nil
}

// SchemaConfigurator validates configurations against a JSON Schema.
type SchemaConfigurator struct {
	schema *jsonschema.Schema
}

// NewSchemaConfigurator compiles schema.
func NewSchemaConfigurator(schema []byte) (*SchemaConfigurator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	compiled, err := compiler.Compile(schema)
	if err != nil {
		return nil, fmt.Errorf("compile configuration schema: %w", err)
	}
	return &SchemaConfigurator{schema: compiled}, nil
}

// LoadSchemaConfigurator reads and compiles the schema at path.
func LoadSchemaConfigurator(path string) (*SchemaConfigurator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration schema: %w", err)
	}
	return NewSchemaConfigurator(data)
}

// Validate implements Configurator.
func (c *SchemaConfigurator) Validate(configuration []byte) error {
	if err := (JSONConfigurator{}).Validate(configuration); err != nil {
		return err
	}
	result := c.schema.ValidateJSON(configuration)
	if result.IsValid() {
		return nil
	}
	return types.Errorf(types.ErrValidation, "configuration does not match schema: %v", result.Errors)
}
