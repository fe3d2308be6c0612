package validation

import (
	"errors"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/pkg/schema"
)

// TemplateValidator runs the template validation pipeline:
//  1. Structural (JSON Schema)
//  2. Executable (the interpreter's own parser: kinds, nesting, conditions, DAG cycles)
//  3. Semantic (subprocess references, likely mistakes)
type TemplateValidator struct {
	jsonSchema *JSONSchemaValidator
	templates  TemplateLookup
	maxDepth   int
}

// NewTemplateValidator creates a TemplateValidator. lookup may be nil to skip
// subprocess reference checks; maxDepth <= 0 uses engine.DefaultMaxDepth.
func NewTemplateValidator(lookup TemplateLookup, maxDepth int) (*TemplateValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &TemplateValidator{jsonSchema: jsv, templates: lookup, maxDepth: maxDepth}, nil
}

// Validate checks def as it would be registered under code. Structural errors
// short-circuit the later stages.
func (tv *TemplateValidator) Validate(code string, def schema.TemplateDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if code == "" {
		result.AddError("code", schema.ErrCodeValidation, "template code is required")
	}

	if err := tv.jsonSchema.ValidateDefinition(def); err != nil {
		addFlowError(result, "/", err)
		return result
	}

	if _, err := engine.Parse(def, tv.maxDepth); err != nil {
		addFlowError(result, "steps", err)
		return result
	}

	result.Merge(validateSemantic(code, def, tv.templates))
	return result
}

// ValidateDefinition satisfies the Validator interface for anonymous
// definitions.
func (tv *TemplateValidator) ValidateDefinition(def schema.TemplateDefinition) error {
	return tv.Validate("", def).ToError()
}

// addFlowError records err as one issue per violation, keeping its code.
func addFlowError(result *schema.ValidationResult, path string, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	if p, ok := fe.Details["path"].(string); ok && p != "" {
		path = "steps/" + p
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(path, fe.Code, v)
		}
		return
	}
	result.AddError(path, fe.Code, fe.Message)
}
