package validation

import "github.com/rendis/flowcore/pkg/schema"

// Validator checks template definitions before they are registered.
type Validator interface {
	ValidateDefinition(def schema.TemplateDefinition) error
}

// TemplateLookup reports whether a template code is registered. It lets
// validation catch subprocess steps that reference unknown templates.
type TemplateLookup interface {
	HasTemplate(code string) bool
}
