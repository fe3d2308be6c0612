package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestJSONSchema_AcceptsFullTemplate(t *testing.T) {
	doc := `{
	  "description": "order fulfilment",
	  "steps": [
	    {"id": "reserve", "http": {"method": "post", "url": "http://svc/reserve", "save_as": "r",
	      "compensate": {"http": {"method": "DELETE", "url": "http://svc/reserve/{{ctx.r.id}}"}}},
	     "retry": {"max_attempts": 3, "backoff": {"initial_secs": 1, "max_secs": 8}},
	     "resilience": {"circuit": {"service": "inventory"}}},
	    {"kafka": {"topic": "orders", "key": "k", "payload": {"a": 1}}},
	    {"event": {"topic": "credit", "wait_for": {"timeout_secs": 60, "save_as": "credit"}}},
	    {"task": {"name": "approve", "candidate_roles": ["ops"]}},
	    {"timer": {"duration": "1m30s"}},
	    {"loop": {"while": "ctx.n < 3", "max_iter": 5, "steps": [{"timer": {"delay_secs": 0}}]}},
	    {"foreach": {"items": "ctx.skus", "as": "sku", "steps": []}},
	    {"parallel": {"branches": [[{"http": {"url": "http://a"}}], [{"http": {"url": "http://b"}}]]}},
	    {"parallel_for": {"items": [1, 2], "steps": [{"http": {"url": "http://c"}}], "max_concurrency": 2}},
	    {"subprocess": {"template": "pick", "input": {"sku": "{{ctx.sku}}"}, "output": ".bin"}},
	    {"switch": {"cases": [{"when": "ctx.a > 1", "steps": []}], "default": []}},
	    {"try": {"steps": [], "catch": [{"error": "http_error", "steps": []}], "finally": []}},
	    {"dag": {"nodes": {"a": [], "b": []}, "edges": [{"from": "a", "to": "b"}]}}
	  ]
	}`
	assert.NoError(t, newJSV(t).ValidateDocument([]byte(doc)))
}

func TestJSONSchema_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"steps": [`},
		{"missing steps", `{}`},
		{"empty steps", `{"steps": []}`},
		{"unknown top-level key", `{"steps": [{"timer": {"delay_secs": 1}}], "owner": "x"}`},
		{"no kind key", `{"steps": [{"id": "x"}]}`},
		{"two kind keys", `{"steps": [{"timer": {"delay_secs": 1}, "task": {"name": "t"}}]}`},
		{"http without url", `{"steps": [{"http": {"method": "GET"}}]}`},
		{"unknown catch class", `{"steps": [{"try": {"steps": [], "catch": [{"error": "oops"}]}}]}`},
		{"timer without delay", `{"steps": [{"timer": {}}]}`},
		{"bad duration", `{"steps": [{"timer": {"duration": "soon"}}]}`},
		{"negative retry", `{"steps": [{"http": {"url": "http://a"}, "retry": {"max_attempts": 0}}]}`},
		{"compensation with both", `{"steps": [{"http": {"url": "http://a", "compensate": {"http": {"url": "u"}, "kafka": {"topic": "t"}}}}]}`},
		{"nested invalid step", `{"steps": [{"loop": {"while": "true", "steps": [{"task": {}}]}}]}`},
	}
	v := newJSV(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDocument([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestJSONSchema_ListsViolations(t *testing.T) {
	err := newJSV(t).ValidateDocument([]byte(`{"steps": [{"task": {}}, {"http": {}}]}`))
	require.Error(t, err)

	fe := schema.AsFlowError(err, schema.ErrCodeValidation)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "/steps/")
}

func TestJSONSchema_ValidateDefinition(t *testing.T) {
	def := schema.TemplateDefinition{Steps: []json.RawMessage{json.RawMessage(`{"timer": {"delay_secs": 5}}`)}}
	assert.NoError(t, newJSV(t).ValidateDefinition(def))
}
