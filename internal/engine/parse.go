package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowcore/internal/condition"
	"github.com/rendis/flowcore/internal/resilience"
	"github.com/rendis/flowcore/pkg/schema"
)

// Parse builds the executable steps of a template definition. Nesting deeper
// than maxDepth, documents without exactly one kind key, and suspending steps
// inside parallel branches are rejected with STEP_VALIDATION_ERROR.
func Parse(def schema.TemplateDefinition, maxDepth int) ([]Step, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	p := &parser{maxDepth: maxDepth, ids: map[string]string{}}
	return p.sequence(def.Steps, "", 1, false)
}

type parser struct {
	maxDepth int
	// ids maps explicit step ids to the path that declared them.
	ids map[string]string
}

// scope carries the position of the step being parsed.
type scope struct {
	path       string
	depth      int
	inParallel bool
}

func invalid(path, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStepValidation, format, args...).
		WithDetails(map[string]any{"path": path})
}

func (p *parser) sequence(raws []json.RawMessage, path string, depth int, inParallel bool) ([]Step, error) {
	if depth > p.maxDepth {
		return nil, invalid(path, "steps at %q nest deeper than %d levels", path, p.maxDepth)
	}
	steps := make([]Step, 0, len(raws))
	for i, raw := range raws {
		step, err := p.step(raw, scope{path: childPath(path, i), depth: depth, inParallel: inParallel})
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// nested parses a step list one level below sc.
func (p *parser) nested(raws []json.RawMessage, sc scope, suffix string) ([]Step, error) {
	return p.sequence(raws, sc.path+"/"+suffix, sc.depth+1, sc.inParallel)
}

func (p *parser) step(raw json.RawMessage, sc scope) (Step, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalid(sc.path, "step %s is not an object: %v", sc.path, err)
	}

	var kinds []schema.StepKind
	for _, k := range schema.StepKinds {
		if _, ok := doc[string(k)]; ok {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) != 1 {
		return nil, invalid(sc.path, "step %s must have exactly one kind key, found %d", sc.path, len(kinds))
	}
	kind := kinds[0]

	id := string(kind) + ":" + sc.path
	if rawID, ok := doc["id"]; ok {
		if err := json.Unmarshal(rawID, &id); err != nil || id == "" {
			return nil, invalid(sc.path, "step %s has an invalid id", sc.path)
		}
		if other, dup := p.ids[id]; dup {
			return nil, invalid(sc.path, "duplicate step id %q at %s and %s", id, other, sc.path)
		}
		p.ids[id] = sc.path
	}

	var top schema.ResilienceSpec
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, invalid(sc.path, "step %s has invalid resilience annotations: %v", id, err)
	}

	b := base{id: id, kind: kind}
	body := doc[string(kind)]
	step, err := p.build(b, body, top, sc)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, invalid(sc.path, "step %s: %v", id, err)
	}
	return step, nil
}

func (p *parser) build(b base, body json.RawMessage, top schema.ResilienceSpec, sc scope) (Step, error) {
	switch b.kind {
	case schema.StepKindHTTP:
		var cfg struct {
			schema.ResilienceSpec
			Method     string                     `json:"method"`
			URL        string                     `json:"url"`
			Body       any                        `json:"body"`
			SaveAs     string                     `json:"save_as"`
			Select     string                     `json:"select"`
			Compensate *schema.CompensationAction `json:"compensate"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, invalid(sc.path, "http step %s requires url", b.id)
		}
		if err := validateCompensation(cfg.Compensate, sc.path, b.id); err != nil {
			return nil, err
		}
		return &httpStep{
			base: b, method: cfg.Method, url: cfg.URL, body: cfg.Body,
			saveAs: cfg.SaveAs, selectExpr: cfg.Select, compensate: cfg.Compensate,
			policy: policyFor(top, cfg.ResilienceSpec),
		}, nil

	case schema.StepKindKafka:
		var cfg struct {
			schema.ResilienceSpec
			Topic      string                     `json:"topic"`
			Key        string                     `json:"key"`
			Payload    any                        `json:"payload"`
			Compensate *schema.CompensationAction `json:"compensate"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		if cfg.Topic == "" {
			return nil, invalid(sc.path, "kafka step %s requires topic", b.id)
		}
		if err := validateCompensation(cfg.Compensate, sc.path, b.id); err != nil {
			return nil, err
		}
		return &kafkaStep{
			base: b, topic: cfg.Topic, key: cfg.Key, payload: cfg.Payload,
			compensate: cfg.Compensate, policy: policyFor(top, cfg.ResilienceSpec),
		}, nil

	case schema.StepKindEvent:
		var cfg struct {
			schema.ResilienceSpec
			Topic      string                     `json:"topic"`
			Key        string                     `json:"key"`
			Payload    any                        `json:"payload"`
			Compensate *schema.CompensationAction `json:"compensate"`
			WaitFor    *struct {
				Correlation string  `json:"correlation"`
				TimeoutSecs float64 `json:"timeout_secs"`
				SaveAs      string  `json:"save_as"`
			} `json:"wait_for"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		if cfg.Topic == "" {
			return nil, invalid(sc.path, "event step %s requires topic", b.id)
		}
		if err := validateCompensation(cfg.Compensate, sc.path, b.id); err != nil {
			return nil, err
		}
		step := &eventStep{
			base: b, topic: cfg.Topic, key: cfg.Key, payload: cfg.Payload,
			compensate: cfg.Compensate, policy: policyFor(top, cfg.ResilienceSpec),
		}
		if cfg.WaitFor != nil {
			if sc.inParallel {
				return nil, invalid(sc.path, "event step %s waits for a response inside a parallel branch", b.id)
			}
			step.wait = &waitFor{
				correlation: cfg.WaitFor.Correlation,
				timeout:     seconds(cfg.WaitFor.TimeoutSecs),
				saveAs:      cfg.WaitFor.SaveAs,
			}
		}
		return step, nil

	case schema.StepKindTask:
		if sc.inParallel {
			return nil, invalid(sc.path, "task step %s cannot run inside a parallel branch", b.id)
		}
		var cfg struct {
			Name           string   `json:"name"`
			CandidateRoles []string `json:"candidate_roles"`
			Payload        any      `json:"payload"`
			SaveAs         string   `json:"save_as"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		if cfg.Name == "" {
			return nil, invalid(sc.path, "task step %s requires name", b.id)
		}
		return &taskStep{base: b, name: cfg.Name, candidateRoles: cfg.CandidateRoles,
			payload: cfg.Payload, saveAs: cfg.SaveAs}, nil

	case schema.StepKindTimer:
		if sc.inParallel {
			return nil, invalid(sc.path, "timer step %s cannot run inside a parallel branch", b.id)
		}
		var cfg struct {
			DelaySecs *float64 `json:"delay_secs"`
			Duration  string   `json:"duration"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		var delay time.Duration
		switch {
		case cfg.Duration != "":
			d, err := time.ParseDuration(cfg.Duration)
			if err != nil {
				return nil, invalid(sc.path, "timer step %s has invalid duration %q", b.id, cfg.Duration)
			}
			delay = d
		case cfg.DelaySecs != nil:
			delay = seconds(*cfg.DelaySecs)
		default:
			return nil, invalid(sc.path, "timer step %s requires delay_secs or duration", b.id)
		}
		if delay < 0 {
			return nil, invalid(sc.path, "timer step %s has a negative delay", b.id)
		}
		return &timerStep{base: b, delay: delay}, nil

	case schema.StepKindLoop:
		var cfg struct {
			While   string            `json:"while"`
			MaxIter int               `json:"max_iter"`
			Steps   []json.RawMessage `json:"steps"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		if err := checkCondition(cfg.While, sc.path, b.id); err != nil {
			return nil, err
		}
		if cfg.MaxIter <= 0 {
			cfg.MaxIter = DefaultMaxIter
		}
		steps, err := p.nested(cfg.Steps, sc, "body")
		if err != nil {
			return nil, err
		}
		return &loopStep{base: b, while: cfg.While, maxIter: cfg.MaxIter, body: steps}, nil

	case schema.StepKindForeach:
		var cfg struct {
			Items json.RawMessage   `json:"items"`
			As    string            `json:"as"`
			Steps []json.RawMessage `json:"steps"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		items, err := parseItems(cfg.Items, sc.path, b.id)
		if err != nil {
			return nil, err
		}
		steps, err := p.nested(cfg.Steps, sc, "body")
		if err != nil {
			return nil, err
		}
		return &foreachStep{base: b, items: items, as: defaultAs(cfg.As), body: steps}, nil

	case schema.StepKindParallel:
		var cfg struct {
			Branches [][]json.RawMessage `json:"branches"`
			MergeKey string              `json:"merge_key"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		inner := sc
		inner.inParallel = true
		branches := make([][]Step, len(cfg.Branches))
		for i, raws := range cfg.Branches {
			steps, err := p.nested(raws, inner, strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			branches[i] = steps
		}
		return &parallelStep{base: b, branches: branches, mergeKey: defaultMergeKey(cfg.MergeKey)}, nil

	case schema.StepKindParallelFor:
		var cfg struct {
			Items          json.RawMessage   `json:"items"`
			As             string            `json:"as"`
			Steps          []json.RawMessage `json:"steps"`
			MergeKey       string            `json:"merge_key"`
			MaxConcurrency int               `json:"max_concurrency"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		items, err := parseItems(cfg.Items, sc.path, b.id)
		if err != nil {
			return nil, err
		}
		inner := sc
		inner.inParallel = true
		steps, err := p.nested(cfg.Steps, inner, "body")
		if err != nil {
			return nil, err
		}
		return &parallelForStep{base: b, items: items, as: defaultAs(cfg.As), body: steps,
			mergeKey: defaultMergeKey(cfg.MergeKey), maxConcurrency: cfg.MaxConcurrency}, nil

	case schema.StepKindSubprocess:
		var cfg struct {
			Template string `json:"template"`
			Input    any    `json:"input"`
			Output   string `json:"output"`
			SaveAs   string `json:"save_as"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		if cfg.Template == "" {
			return nil, invalid(sc.path, "subprocess step %s requires template", b.id)
		}
		return &subprocessStep{base: b, template: cfg.Template, input: cfg.Input,
			output: cfg.Output, saveAs: cfg.SaveAs}, nil

	case schema.StepKindSwitch:
		var cfg struct {
			Condition string `json:"condition"`
			Cases     []struct {
				When  string            `json:"when"`
				Steps []json.RawMessage `json:"steps"`
			} `json:"cases"`
			Default []json.RawMessage `json:"default"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		if cfg.Condition != "" {
			if err := checkCondition(cfg.Condition, sc.path, b.id); err != nil {
				return nil, err
			}
		}
		step := &switchStep{base: b, condition: cfg.Condition}
		for i, c := range cfg.Cases {
			if c.When != "" {
				if err := checkCondition(c.When, sc.path, b.id); err != nil {
					return nil, err
				}
			}
			steps, err := p.nested(c.Steps, sc, "case"+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			step.cases = append(step.cases, switchCase{when: c.When, steps: steps})
		}
		fallback, err := p.nested(cfg.Default, sc, "default")
		if err != nil {
			return nil, err
		}
		step.fallback = fallback
		return step, nil

	case schema.StepKindTry:
		var cfg struct {
			Steps []json.RawMessage `json:"steps"`
			Catch []struct {
				Error string            `json:"error"`
				Steps []json.RawMessage `json:"steps"`
			} `json:"catch"`
			Finally []json.RawMessage `json:"finally"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		steps, err := p.nested(cfg.Steps, sc, "try")
		if err != nil {
			return nil, err
		}
		step := &tryStep{base: b, body: steps}
		for i, c := range cfg.Catch {
			switch c.Error {
			case schema.ErrorClassHTTP, schema.ErrorClassKafka, schema.ErrorClassTimeout, schema.ErrorClassAny:
			default:
				return nil, invalid(sc.path, "try step %s catches unknown error class %q", b.id, c.Error)
			}
			handler, err := p.nested(c.Steps, sc, "catch"+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			step.catches = append(step.catches, catchClause{class: c.Error, steps: handler})
		}
		finally, err := p.nested(cfg.Finally, sc, "finally")
		if err != nil {
			return nil, err
		}
		step.finally = finally
		return step, nil

	case schema.StepKindDAG:
		var cfg struct {
			Nodes map[string][]json.RawMessage `json:"nodes"`
			Edges []dagEdge                    `json:"edges"`
		}
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, err
		}
		if len(cfg.Nodes) == 0 {
			return nil, invalid(sc.path, "dag step %s has no nodes", b.id)
		}
		names := make([]string, 0, len(cfg.Nodes))
		for name := range cfg.Nodes {
			if name == "" || strings.Contains(name, "/") {
				return nil, invalid(sc.path, "dag step %s has invalid node name %q", b.id, name)
			}
			names = append(names, name)
		}
		slices.Sort(names)
		nodes := make(map[string][]Step, len(names))
		for _, name := range names {
			steps, err := p.nested(cfg.Nodes[name], sc, name)
			if err != nil {
				return nil, err
			}
			nodes[name] = steps
		}
		order, err := topoOrder(names, cfg.Edges)
		if err != nil {
			return nil, err
		}
		return &dagStep{base: b, order: order, nodes: nodes}, nil
	}

	return nil, invalid(sc.path, "unsupported step kind %q", b.kind)
}

// policyFor merges top-level and kind-nested resilience annotations.
// Nested values win.
func policyFor(top, nested schema.ResilienceSpec) resilience.Policy {
	var p resilience.Policy
	apply := func(s schema.ResilienceSpec) {
		if s.Resilience != nil && s.Resilience.Circuit != nil && s.Resilience.Circuit.Service != "" {
			p.Service = s.Resilience.Circuit.Service
		}
		if s.Retry != nil {
			if s.Retry.MaxAttempts > 0 {
				p.MaxAttempts = s.Retry.MaxAttempts
			}
			if bo := s.Retry.Backoff; bo != nil {
				if bo.InitialSecs > 0 {
					p.InitialBackoff = seconds(bo.InitialSecs)
				}
				if bo.MaxSecs > 0 {
					p.MaxBackoff = seconds(bo.MaxSecs)
				}
			}
		}
		if s.TimeoutSecs > 0 {
			p.Timeout = seconds(s.TimeoutSecs)
		}
	}
	apply(top)
	apply(nested)
	return p
}

func validateCompensation(c *schema.CompensationAction, path, id string) error {
	if c == nil {
		return nil
	}
	switch {
	case c.HTTP != nil && c.Kafka != nil:
		return invalid(path, "step %s compensation must declare either http or kafka, not both", id)
	case c.HTTP != nil && c.HTTP.URL == "":
		return invalid(path, "step %s compensation requires url", id)
	case c.Kafka != nil && c.Kafka.Topic == "":
		return invalid(path, "step %s compensation requires topic", id)
	case c.HTTP == nil && c.Kafka == nil:
		return invalid(path, "step %s compensation declares no action", id)
	}
	return nil
}

// checkCondition rejects conditions that cannot parse. Evaluating against an
// empty document only surfaces syntax errors since missing paths are null.
func checkCondition(expr, path, id string) error {
	if expr == "" {
		return invalid(path, "step %s requires a condition", id)
	}
	if err := condition.Check(expr); err != nil {
		return schema.AsFlowError(err, schema.ErrCodeConditionParse).
			WithDetails(map[string]any{"path": path, "step_id": id})
	}
	return nil
}

func parseItems(raw json.RawMessage, path, id string) (itemSource, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return itemSource{}, invalid(path, "step %s requires items", id)
	}
	switch trimmed[0] {
	case '"':
		var expr string
		if err := json.Unmarshal(trimmed, &expr); err != nil || expr == "" {
			return itemSource{}, invalid(path, "step %s has an invalid items expression", id)
		}
		return itemSource{expr: expr}, nil
	case '[':
		var list []any
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return itemSource{}, invalid(path, "step %s has invalid items: %v", id, err)
		}
		return itemSource{literal: list}, nil
	}
	return itemSource{}, invalid(path, "step %s items must be a CEL expression or an array", id)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func defaultAs(as string) string {
	if as == "" {
		return "item"
	}
	return as
}

func defaultMergeKey(key string) string {
	if key == "" {
		return DefaultMergeKey
	}
	return key
}
