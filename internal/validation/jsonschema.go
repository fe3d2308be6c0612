package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowcore/pkg/schema"
)

const templateSchemaURL = "https://flowcore.dev/schemas/template.json"

// templateSchemaJSON is the JSON Schema of a template document.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcore.dev/schemas/template.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": { "$ref": "#/$defs/steps", "minItems": 1 },
    "description": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "steps": { "type": "array", "items": { "$ref": "#/$defs/step" } },
    "step": {
      "type": "object",
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "retry": { "$ref": "#/$defs/retry" },
        "resilience": { "$ref": "#/$defs/resilience" },
        "timeout_secs": { "type": "number", "minimum": 0 },
        "http": { "$ref": "#/$defs/http" },
        "kafka": { "$ref": "#/$defs/kafka" },
        "event": { "$ref": "#/$defs/event" },
        "task": { "$ref": "#/$defs/task" },
        "timer": { "$ref": "#/$defs/timer" },
        "loop": { "$ref": "#/$defs/loop" },
        "foreach": { "$ref": "#/$defs/foreach" },
        "parallel": { "$ref": "#/$defs/parallel" },
        "parallel_for": { "$ref": "#/$defs/parallel_for" },
        "subprocess": { "$ref": "#/$defs/subprocess" },
        "switch": { "$ref": "#/$defs/switch" },
        "try": { "$ref": "#/$defs/try" },
        "dag": { "$ref": "#/$defs/dag" }
      },
      "oneOf": [
        { "required": ["http"] }, { "required": ["kafka"] }, { "required": ["event"] },
        { "required": ["task"] }, { "required": ["timer"] }, { "required": ["loop"] },
        { "required": ["foreach"] }, { "required": ["parallel"] }, { "required": ["parallel_for"] },
        { "required": ["subprocess"] }, { "required": ["switch"] }, { "required": ["try"] },
        { "required": ["dag"] }
      ],
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff": {
          "type": "object",
          "properties": {
            "initial_secs": { "type": "number", "minimum": 0 },
            "max_secs": { "type": "number", "minimum": 0 }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "resilience": {
      "type": "object",
      "properties": {
        "circuit": {
          "type": "object",
          "required": ["service"],
          "properties": { "service": { "type": "string", "minLength": 1 } },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "compensation": {
      "type": "object",
      "properties": {
        "http": {
          "type": "object",
          "required": ["url"],
          "properties": { "method": { "type": "string" }, "url": { "type": "string" }, "body": {} },
          "additionalProperties": false
        },
        "kafka": {
          "type": "object",
          "required": ["topic"],
          "properties": { "topic": { "type": "string" }, "key": { "type": "string" }, "payload": {} },
          "additionalProperties": false
        }
      },
      "oneOf": [{ "required": ["http"] }, { "required": ["kafka"] }],
      "additionalProperties": false
    },
    "http": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "method": { "type": "string" },
        "url": { "type": "string", "minLength": 1 },
        "body": {},
        "save_as": { "type": "string" },
        "select": { "type": "string" },
        "compensate": { "$ref": "#/$defs/compensation" },
        "retry": { "$ref": "#/$defs/retry" },
        "resilience": { "$ref": "#/$defs/resilience" },
        "timeout_secs": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "kafka": {
      "type": "object",
      "required": ["topic"],
      "properties": {
        "topic": { "type": "string", "minLength": 1 },
        "key": { "type": "string" },
        "payload": {},
        "compensate": { "$ref": "#/$defs/compensation" },
        "retry": { "$ref": "#/$defs/retry" },
        "resilience": { "$ref": "#/$defs/resilience" },
        "timeout_secs": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "event": {
      "type": "object",
      "required": ["topic"],
      "properties": {
        "topic": { "type": "string", "minLength": 1 },
        "key": { "type": "string" },
        "payload": {},
        "compensate": { "$ref": "#/$defs/compensation" },
        "retry": { "$ref": "#/$defs/retry" },
        "resilience": { "$ref": "#/$defs/resilience" },
        "timeout_secs": { "type": "number", "minimum": 0 },
        "wait_for": {
          "type": "object",
          "properties": {
            "correlation": { "type": "string" },
            "timeout_secs": { "type": "number", "minimum": 0 },
            "save_as": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "task": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "candidate_roles": { "type": "array", "items": { "type": "string" } },
        "payload": {},
        "save_as": { "type": "string" }
      },
      "additionalProperties": false
    },
    "timer": {
      "type": "object",
      "properties": {
        "delay_secs": { "type": "number", "minimum": 0 },
        "duration": { "type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" }
      },
      "anyOf": [{ "required": ["delay_secs"] }, { "required": ["duration"] }],
      "additionalProperties": false
    },
    "loop": {
      "type": "object",
      "required": ["while", "steps"],
      "properties": {
        "while": { "type": "string", "minLength": 1 },
        "max_iter": { "type": "integer", "minimum": 1 },
        "steps": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "items": {
      "oneOf": [{ "type": "string", "minLength": 1 }, { "type": "array" }]
    },
    "foreach": {
      "type": "object",
      "required": ["items", "steps"],
      "properties": {
        "items": { "$ref": "#/$defs/items" },
        "as": { "type": "string", "minLength": 1 },
        "steps": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["branches"],
      "properties": {
        "branches": { "type": "array", "items": { "$ref": "#/$defs/steps" } },
        "merge_key": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "parallel_for": {
      "type": "object",
      "required": ["items", "steps"],
      "properties": {
        "items": { "$ref": "#/$defs/items" },
        "as": { "type": "string", "minLength": 1 },
        "steps": { "$ref": "#/$defs/steps" },
        "merge_key": { "type": "string", "minLength": 1 },
        "max_concurrency": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "subprocess": {
      "type": "object",
      "required": ["template"],
      "properties": {
        "template": { "type": "string", "minLength": 1 },
        "input": {},
        "output": { "type": "string" },
        "save_as": { "type": "string" }
      },
      "additionalProperties": false
    },
    "switch": {
      "type": "object",
      "properties": {
        "condition": { "type": "string" },
        "cases": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": { "when": { "type": "string" }, "steps": { "$ref": "#/$defs/steps" } },
            "additionalProperties": false
          }
        },
        "default": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "try": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "steps": { "$ref": "#/$defs/steps" },
        "catch": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["error"],
            "properties": {
              "error": { "enum": ["http_error", "kafka_error", "timeout", "any"] },
              "steps": { "$ref": "#/$defs/steps" }
            },
            "additionalProperties": false
          }
        },
        "finally": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "dag": {
      "type": "object",
      "required": ["nodes"],
      "properties": {
        "nodes": {
          "type": "object",
          "minProperties": 1,
          "additionalProperties": { "$ref": "#/$defs/steps" }
        },
        "edges": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["from", "to"],
            "properties": { "from": { "type": "string" }, "to": { "type": "string" } },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks template documents against the template JSON
// Schema (draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	templateSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the template schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource(templateSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}
	compiled, err := c.Compile(templateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return &JSONSchemaValidator{templateSchema: compiled}, nil
}

// ValidateDefinition validates def against the template schema.
func (v *JSONSchemaValidator) ValidateDefinition(def schema.TemplateDefinition) error {
	b, err := json.Marshal(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize template definition").WithCause(err)
	}
	return v.ValidateDocument(b)
}

// ValidateDocument validates a raw JSON template document.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	// jsonschema needs json.Number for numbers, which UnmarshalJSON provides.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "template is not valid JSON").WithCause(err)
	}
	if err := v.templateSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toFlowError converts a jsonschema.ValidationError into a FlowError listing
// every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("template failed validation with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
