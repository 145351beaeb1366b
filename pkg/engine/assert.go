package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/openprobe/openprobe/pkg/plan"
)

// evaluateAssertions checks every assertion of the node against the
// recorded responses and returns one message per unmet predicate. The
// node succeeds iff the returned slice is empty.
func evaluateAssertions(node plan.AssertionNode, responses map[string]*Response) []string {
	var failures []string
	for _, a := range node.Assertions {
		if msg := evaluateAssertion(a, responses); msg != "" {
			failures = append(failures, msg)
		}
	}
	return failures
}

func evaluateAssertion(a plan.Assertion, responses map[string]*Response) string {
	if len(a.Path) == 0 {
		return "assertion has an empty path"
	}

	source := a.Path[0]
	resp, ok := responses[source]
	if !ok {
		return fmt.Sprintf("%s: no response recorded for node %q", pathString(a.Path), source)
	}

	value, found := extract(resp, a.Path[1:])
	held, detail := evaluate(a.Op, value, found, a.Expected)
	if held {
		return ""
	}
	if detail != "" {
		return fmt.Sprintf("%s: %s", pathString(a.Path), detail)
	}
	if a.Op.Unary() {
		return fmt.Sprintf("%s: expected %s, got %v", pathString(a.Path), a.Op, display(value, found))
	}
	return fmt.Sprintf("%s: expected %s %v, got %v", pathString(a.Path), a.Op, a.Expected, display(value, found))
}

// extract walks the response body along the path segments. JSON bodies
// use object keys and numeric array indexes; XML bodies use an element
// path; TEXT bodies treat the single remaining segment as a regex whose
// first capture group (or whole match) is the value.
func extract(resp *Response, segments []string) (any, bool) {
	switch resp.Format {
	case plan.FormatXML:
		return extractXML(resp, segments)
	case plan.FormatText:
		return extractText(resp, segments)
	default:
		return extractJSON(resp.Body, segments)
	}
}

func extractJSON(tree any, segments []string) (any, bool) {
	current := tree
	for _, seg := range segments {
		switch t := current.(type) {
		case map[string]any:
			child, ok := t[seg]
			if !ok {
				return nil, false
			}
			current = child
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			current = t[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func extractXML(resp *Response, segments []string) (any, bool) {
	doc, ok := resp.Body.(*etree.Document)
	if !ok {
		return nil, false
	}
	if len(segments) == 0 {
		return resp.Raw, true
	}
	elem := doc.FindElement(strings.Join(segments, "/"))
	if elem == nil {
		return nil, false
	}
	return strings.TrimSpace(elem.Text()), true
}

func extractText(resp *Response, segments []string) (any, bool) {
	if len(segments) == 0 {
		return resp.Raw, true
	}
	re, err := regexp.Compile(segments[0])
	if err != nil {
		return nil, false
	}
	match := re.FindStringSubmatch(resp.Raw)
	if match == nil {
		return nil, false
	}
	if len(match) > 1 {
		return match[1], true
	}
	return match[0], true
}

// evaluate applies the operator. It returns whether the predicate held
// and, for operand type mismatches, a specific detail message.
func evaluate(op plan.Operator, value any, found bool, expected any) (bool, string) {
	switch op {
	case plan.OpIsNull:
		return !found || value == nil, ""
	case plan.OpIsNotNull:
		return found && value != nil, ""
	case plan.OpIsTrue:
		b, ok := asBool(value)
		return ok && b, ""
	case plan.OpIsFalse:
		b, ok := asBool(value)
		return ok && !b, ""
	case plan.OpIsEmpty:
		return isEmpty(value, found), ""
	case plan.OpIsNotEmpty:
		return !isEmpty(value, found), ""
	}

	if !found {
		return false, "value not found"
	}

	switch op {
	case plan.OpEQ:
		return looseEqual(value, expected), ""
	case plan.OpNE:
		return !looseEqual(value, expected), ""
	case plan.OpGT, plan.OpLT, plan.OpGE, plan.OpLE:
		cmp, ok := compare(value, expected)
		if !ok {
			return false, fmt.Sprintf("cannot compare %v with %v", value, expected)
		}
		switch op {
		case plan.OpGT:
			return cmp > 0, ""
		case plan.OpLT:
			return cmp < 0, ""
		case plan.OpGE:
			return cmp >= 0, ""
		default:
			return cmp <= 0, ""
		}
	case plan.OpContains:
		return contains(value, expected), ""
	case plan.OpNotContain:
		return !contains(value, expected), ""
	case plan.OpStartsWith:
		return strings.HasPrefix(asString(value), asString(expected)), ""
	case plan.OpEndsWith:
		return strings.HasSuffix(asString(value), asString(expected)), ""
	}
	return false, fmt.Sprintf("unknown operator %q", op)
}

// looseEqual compares numerically when both operands are numeric, so a
// JSON float64(200) matches an expected int 200, and falls back to
// string equality otherwise.
func looseEqual(value, expected any) bool {
	if vf, vok := asFloat(value); vok {
		if ef, eok := asFloat(expected); eok {
			return vf == ef
		}
	}
	return asString(value) == asString(expected)
}

func compare(value, expected any) (int, bool) {
	vf, vok := asFloat(value)
	ef, eok := asFloat(expected)
	if vok && eok {
		switch {
		case vf < ef:
			return -1, true
		case vf > ef:
			return 1, true
		default:
			return 0, true
		}
	}
	return strings.Compare(asString(value), asString(expected)), true
}

func contains(value, expected any) bool {
	switch t := value.(type) {
	case string:
		return strings.Contains(t, asString(expected))
	case []any:
		for _, elem := range t {
			if looseEqual(elem, expected) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isEmpty(value any, found bool) bool {
	if !found || value == nil {
		return true
	}
	switch t := value.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func asBool(value any) (bool, bool) {
	switch t := value.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(t) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func asFloat(value any) (float64, bool) {
	switch t := value.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func asString(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func display(value any, found bool) any {
	if !found {
		return "<missing>"
	}
	if value == nil {
		return "<nil>"
	}
	return value
}

func pathString(path []string) string {
	return strings.Join(path, ".")
}
