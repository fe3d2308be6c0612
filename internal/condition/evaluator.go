// Package condition evaluates the boolean expressions used by loop, switch
// and other branching steps against an instance context document.
//
// The grammar is deliberately small. Logical operators are split at their
// first top-level textual occurrence, "&&" before "||", both before "!" and
// comparisons. Parentheses and quoted strings are respected while scanning.
package condition

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// Evaluate parses expression and evaluates it against doc, which holds the
// "ctx" and "vars" namespaces.
func Evaluate(expression string, doc map[string]any) (bool, error) {
	return eval(expression, expression, doc)
}

// Check parses expression without evaluating it. Unlike Evaluate it visits
// both operands of every logical operator.
func Check(expression string) error {
	return check(expression, expression, map[string]any{})
}

func check(full, expr string, doc map[string]any) error {
	s := stripParens(strings.TrimSpace(expr))
	if s == "" {
		return parseError(full, "empty expression")
	}
	for _, op := range []string{"&&", "||"} {
		if i := findTopLevel(s, op); i >= 0 {
			if err := check(full, s[:i], doc); err != nil {
				return err
			}
			return check(full, s[i+2:], doc)
		}
	}
	if strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!=") {
		return check(full, s[1:], doc)
	}
	if op, i := findComparison(s); i >= 0 {
		if _, err := operand(full, s[:i], doc); err != nil {
			return err
		}
		_, err := operand(full, s[i+len(op):], doc)
		return err
	}
	_, err := operand(full, s, doc)
	return err
}

func eval(full, expr string, doc map[string]any) (bool, error) {
	s := stripParens(strings.TrimSpace(expr))
	if s == "" {
		return false, parseError(full, "empty expression")
	}

	if i := findTopLevel(s, "&&"); i >= 0 {
		left, err := eval(full, s[:i], doc)
		if err != nil || !left {
			return false, err
		}
		return eval(full, s[i+2:], doc)
	}

	if i := findTopLevel(s, "||"); i >= 0 {
		left, err := eval(full, s[:i], doc)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return eval(full, s[i+2:], doc)
	}

	if strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!=") {
		v, err := eval(full, s[1:], doc)
		if err != nil {
			return false, err
		}
		return !v, nil
	}

	if op, i := findComparison(s); i >= 0 {
		left, err := operand(full, s[:i], doc)
		if err != nil {
			return false, err
		}
		right, err := operand(full, s[i+len(op):], doc)
		if err != nil {
			return false, err
		}
		return compare(strings.TrimSpace(op), left, right), nil
	}

	v, err := operand(full, s, doc)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy coerces a value to a boolean: booleans as-is, non-zero numbers,
// non-empty strings other than "false" and "0", and any structured value are
// true; nil is false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func compare(op string, left, right any) bool {
	switch op {
	case "==":
		return equal(left, right)
	case "!=":
		return !equal(left, right)
	case ">", "<", ">=", "<=":
		return order(op, left, right)
	case "in":
		return contains(right, left)
	case "contains":
		return contains(left, right)
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func order(op string, a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return false
		}
		switch op {
		case ">":
			return fa > fb
		case "<":
			return fa < fb
		case ">=":
			return fa >= fb
		default:
			return fa <= fb
		}
	}
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if !aStr || !bStr {
		return false
	}
	switch op {
	case ">":
		return sa > sb
	case "<":
		return sa < sb
	case ">=":
		return sa >= sb
	default:
		return sa <= sb
	}
}

// contains reports whether elem is a member of container: an element of a
// list, a substring of a string, or a key of a map.
func contains(container, elem any) bool {
	switch c := container.(type) {
	case nil:
		return false
	case string:
		s, ok := elem.(string)
		return ok && strings.Contains(c, s)
	case map[string]any:
		k, ok := elem.(string)
		if !ok {
			return false
		}
		_, found := c[k]
		return found
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), elem) {
			return true
		}
	}
	return false
}

func operand(full, raw string, doc map[string]any) (any, error) {
	s := stripParens(strings.TrimSpace(raw))
	if s == "" {
		return nil, parseError(full, "missing operand")
	}

	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}

	switch s[0] {
	case '"':
		if len(s) < 2 || s[len(s)-1] != '"' {
			return nil, parseError(full, "unterminated string literal "+s)
		}
		v, err := strconv.Unquote(s)
		if err != nil {
			return nil, parseError(full, "malformed string literal "+s)
		}
		return v, nil
	case '\'':
		if len(s) < 2 || s[len(s)-1] != '\'' {
			return nil, parseError(full, "unterminated string literal "+s)
		}
		return s[1 : len(s)-1], nil
	case '[':
		return listLiteral(full, s, doc)
	}

	if isNumberStart(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, parseError(full, "malformed number literal "+s)
		}
		return f, nil
	}

	if s == "ctx" || s == "vars" || strings.HasPrefix(s, "ctx.") || strings.HasPrefix(s, "vars.") {
		return resolvePath(full, s, doc)
	}

	return nil, parseError(full, "unknown operand "+strconv.Quote(s))
}

func listLiteral(full, s string, doc map[string]any) (any, error) {
	if s[len(s)-1] != ']' {
		return nil, parseError(full, "unterminated list literal "+s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []any{}, nil
	}
	var out []any
	for _, part := range splitTopLevel(body, ',') {
		v, err := operand(full, part, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// resolvePath walks a dotted path. Missing segments resolve to nil.
func resolvePath(full, path string, doc map[string]any) (any, error) {
	segments := strings.Split(path, ".")
	var cur any = doc[segments[0]]
	for _, seg := range segments[1:] {
		if seg == "" {
			return nil, parseError(full, "empty segment in path "+path)
		}
		switch node := cur.(type) {
		case map[string]any:
			cur = node[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, nil
			}
			cur = node[idx]
		default:
			return nil, nil
		}
	}
	return cur, nil
}

// findTopLevel returns the index of the first occurrence of op outside
// parentheses, brackets and quotes, or -1.
func findTopLevel(s, op string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(s[i:], op) {
				return i
			}
		}
	}
	return -1
}

// findComparison returns the first top-level comparison operator in s and its index.
func findComparison(s string) (string, int) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
			continue
		case '(', '[':
			depth++
			continue
		case ')', ']':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		rest := s[i:]
		for _, op := range []string{"==", "!=", ">=", "<="} {
			if strings.HasPrefix(rest, op) {
				return op, i
			}
		}
		if c == '>' || c == '<' {
			return string(c), i
		}
		if isSpace(c) {
			for _, kw := range []string{"in", "contains"} {
				end := i + 1 + len(kw)
				if strings.HasPrefix(s[i+1:], kw) && end < len(s) && isSpace(s[end]) {
					return s[i : end+1], i
				}
			}
		}
	}
	return "", -1
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// stripParens removes parentheses that wrap the whole expression.
func stripParens(s string) string {
	for len(s) >= 2 && s[0] == '(' && matchingParen(s) == len(s)-1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func matchingParen(s string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' && quote == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isNumberStart(s string) bool {
	c := s[0]
	if c >= '0' && c <= '9' {
		return true
	}
	return (c == '-' || c == '+' || c == '.') && len(s) > 1 && (s[1] >= '0' && s[1] <= '9' || s[1] == '.')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func parseError(expr, msg string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConditionParse, "condition %q: %s", expr, msg).
		WithDetails(map[string]any{"expression": expr})
}
