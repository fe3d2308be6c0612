package validation

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/pkg/schema"
)

// Warning codes reported by the semantic stage.
const (
	WarnUnboundedWait     = "UNBOUNDED_WAIT"
	WarnDefaultIterations = "DEFAULT_ITERATIONS"
	WarnUncaughtTry       = "UNCAUGHT_TRY"
	WarnReadCompensation  = "READ_COMPENSATION"
	WarnUnboundedFanOut   = "UNBOUNDED_FAN_OUT"
	WarnSelfSubprocess    = "SELF_SUBPROCESS"
)

type stepDoc = map[string]json.RawMessage

// validateSemantic walks the raw step tree after it parsed cleanly. It
// reports unknown subprocess templates as errors and likely mistakes as
// warnings.
func validateSemantic(code string, def schema.TemplateDefinition, lookup TemplateLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	walkSteps(def.Steps, "steps", func(path string, kind schema.StepKind, body stepDoc) {
		checkStep(code, path, kind, body, lookup, result)
	})
	return result
}

func checkStep(code, path string, kind schema.StepKind, body stepDoc, lookup TemplateLookup, result *schema.ValidationResult) {
	switch kind {
	case schema.StepKindSubprocess:
		var tpl string
		_ = json.Unmarshal(body["template"], &tpl)
		switch {
		case tpl == code && code != "":
			result.AddWarning(path+".template", WarnSelfSubprocess,
				fmt.Sprintf("template %q starts itself; recursion stops at the nesting limit", tpl))
		case lookup != nil && !lookup.HasTemplate(tpl):
			result.AddError(path+".template", schema.ErrCodeTemplateNotFound,
				fmt.Sprintf("subprocess template %q is not registered", tpl))
		}

	case schema.StepKindEvent:
		raw, ok := body["wait_for"]
		if !ok {
			return
		}
		var wait stepDoc
		_ = json.Unmarshal(raw, &wait)
		if _, ok := wait["timeout_secs"]; !ok {
			result.AddWarning(path+".wait_for", WarnUnboundedWait, "event wait has no timeout_secs and may never wake")
		}

	case schema.StepKindLoop:
		if _, ok := body["max_iter"]; !ok {
			result.AddWarning(path, WarnDefaultIterations,
				fmt.Sprintf("loop has no max_iter; it stops after %d iterations", engine.DefaultMaxIter))
		}

	case schema.StepKindTry:
		_, hasCatch := body["catch"]
		_, hasFinally := body["finally"]
		if !hasCatch && !hasFinally {
			result.AddWarning(path, WarnUncaughtTry, "try has neither catch nor finally")
		}

	case schema.StepKindParallelFor:
		var n int
		if raw, ok := body["max_concurrency"]; ok {
			_ = json.Unmarshal(raw, &n)
		}
		if n == 0 {
			result.AddWarning(path, WarnUnboundedFanOut, "parallel_for runs every item at once")
		}

	case schema.StepKindHTTP:
		if _, ok := body["compensate"]; !ok {
			return
		}
		var method string
		_ = json.Unmarshal(body["method"], &method)
		if method == "" || strings.EqualFold(method, "GET") || strings.EqualFold(method, "HEAD") {
			result.AddWarning(path+".compensate", WarnReadCompensation, "compensation declared on a read-only request")
		}
	}
}

// walkSteps calls visit for every step in raws and its nested step lists,
// depth first, in document order.
func walkSteps(raws []json.RawMessage, path string, visit func(path string, kind schema.StepKind, body stepDoc)) {
	for i, raw := range raws {
		p := fmt.Sprintf("%s[%d]", path, i)
		var doc stepDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		for _, kind := range schema.StepKinds {
			rawBody, ok := doc[string(kind)]
			if !ok {
				continue
			}
			var body stepDoc
			_ = json.Unmarshal(rawBody, &body)
			p = p + "." + string(kind)
			visit(p, kind, body)
			for _, child := range nestedLists(kind, body) {
				walkSteps(child.steps, p+child.suffix, visit)
			}
			break
		}
	}
}

type stepList struct {
	suffix string
	steps  []json.RawMessage
}

// nestedLists returns the step lists held by a step body in document order.
// DAG nodes are visited by name.
func nestedLists(kind schema.StepKind, body stepDoc) []stepList {
	var out []stepList
	list := func(suffix string, raw json.RawMessage) {
		var steps []json.RawMessage
		if json.Unmarshal(raw, &steps) == nil && len(steps) > 0 {
			out = append(out, stepList{suffix: suffix, steps: steps})
		}
	}

	switch kind {
	case schema.StepKindLoop, schema.StepKindForeach, schema.StepKindParallelFor:
		list(".steps", body["steps"])
	case schema.StepKindParallel:
		var branches []json.RawMessage
		_ = json.Unmarshal(body["branches"], &branches)
		for i, b := range branches {
			list(fmt.Sprintf(".branches[%d]", i), b)
		}
	case schema.StepKindSwitch:
		var cases []stepDoc
		_ = json.Unmarshal(body["cases"], &cases)
		for i, c := range cases {
			list(fmt.Sprintf(".cases[%d].steps", i), c["steps"])
		}
		list(".default", body["default"])
	case schema.StepKindTry:
		list(".steps", body["steps"])
		var catches []stepDoc
		_ = json.Unmarshal(body["catch"], &catches)
		for i, c := range catches {
			list(fmt.Sprintf(".catch[%d].steps", i), c["steps"])
		}
		list(".finally", body["finally"])
	case schema.StepKindDAG:
		var nodes map[string]json.RawMessage
		_ = json.Unmarshal(body["nodes"], &nodes)
		for _, name := range slices.Sorted(maps.Keys(nodes)) {
			list(".nodes."+name, nodes[name])
		}
	}
	return out
}
