package toolgate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidationError represents errors that occur during JSON schema validation
type SchemaValidationError struct {
	Type     string      `json:"type"`
	Tool     string      `json:"tool,omitempty"`
	Argument string      `json:"argument,omitempty"`
	Details  string      `json:"details"`
	Context  string      `json:"context,omitempty"`
	Value    interface{} `json:"value,omitempty"`
}

func (e *SchemaValidationError) Error() string {
	if e.Argument != "" {
		return fmt.Sprintf("Schema validation failed for argument '%s': %s", e.Argument, e.Details)
	}
	return fmt.Sprintf("Schema validation failed: %s", e.Details)
}

// SchemaValidator provides JSON Schema Draft-7 validation for tool
// invocation arguments and listing envelopes
type SchemaValidator struct{}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{}
}

// ValidateArguments validates invocation arguments against the tool's
// declared inputSchema. A tool without a schema accepts anything.
func (sv *SchemaValidator) ValidateArguments(tool ToolDescriptor, arguments map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	return sv.validateValueAgainstSchema(tool.Name, arguments, tool.InputSchema, "argument")
}

// ValidateResult validates a tools/call result content value against the
// tool's declared outputSchema, when one is declared.
func (sv *SchemaValidator) ValidateResult(tool ToolDescriptor, content json.RawMessage) error {
	if len(tool.OutputSchema) == 0 || len(content) == 0 {
		return nil
	}
	return sv.validateRawAgainstSchema(tool.Name, content, tool.OutputSchema, "output")
}

// validateValueAgainstSchema performs the actual JSON schema validation
func (sv *SchemaValidator) validateValueAgainstSchema(name string, value interface{}, schema json.RawMessage, context string) error {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return &SchemaValidationError{
			Type:    "InvalidJson",
			Tool:    name,
			Details: fmt.Sprintf("Failed to marshal value for validation: %v", err),
			Context: context,
			Value:   value,
		}
	}
	return sv.validateRawAgainstSchema(name, valueBytes, schema, context)
}

func (sv *SchemaValidator) validateRawAgainstSchema(name string, value json.RawMessage, schema json.RawMessage, context string) error {
	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(value)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaValidationError{
			Type:    "SchemaCompilation",
			Tool:    name,
			Details: fmt.Sprintf("Failed to validate schema: %v", err),
			Context: context,
		}
	}

	if !result.Valid() {
		var errorDetails []string
		for _, desc := range result.Errors() {
			errorDetails = append(errorDetails, fmt.Sprintf("  - %s", desc))
		}
		errType := "OutputValidation"
		if context == "argument" {
			errType = "ArgumentValidation"
		}
		return &SchemaValidationError{
			Type:    errType,
			Tool:    name,
			Details: strings.Join(errorDetails, "\n"),
			Context: context,
		}
	}

	return nil
}

// listToolsEnvelopeSchema is the shape every tools/list result must satisfy
// before descriptors are decoded.
const listToolsEnvelopeSchema = `{
	"type": "object",
	"required": ["tools"],
	"properties": {
		"tools": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"inputSchema": {"type": "object"},
					"outputSchema": {"type": "object"},
					"requires": {"type": "array", "items": {"type": "object"}}
				}
			}
		}
	}
}`

// ValidateListToolsEnvelope checks a raw tools/list result against the
// listing envelope schema
func ValidateListToolsEnvelope(raw json.RawMessage) error {
	schemaLoader := gojsonschema.NewStringLoader(listToolsEnvelopeSchema)
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaValidationError{
			Type:    "SchemaCompilation",
			Details: fmt.Sprintf("Failed to validate tools/list result: %v", err),
			Context: "listing",
		}
	}
	if !result.Valid() {
		var errorDetails []string
		for _, desc := range result.Errors() {
			errorDetails = append(errorDetails, fmt.Sprintf("  - %s", desc))
		}
		return &SchemaValidationError{
			Type:    "ListingValidation",
			Details: strings.Join(errorDetails, "\n"),
			Context: "listing",
		}
	}
	return nil
}
