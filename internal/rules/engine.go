package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/crowsnest-security/crowsnest/internal/event"
)

// Evaluate runs every rule against the event and returns one Hit per rule
// whose conditions all held. Evaluation is pure with respect to engine
// state. A rule whose evaluation errors (unsupported operator, malformed
// expected value) is skipped and logged; the rest of the pass continues.
func (e *Engine) Evaluate(ev *event.Event) []Hit {
	hits := []Hit{}
	for _, r := range e.rules {
		hit, matched, err := e.evalRule(r, ev)
		if err != nil {
			e.log.Error("rule evaluation failed, skipping rule",
				"rule_id", r.ID, "error", err)
			continue
		}
		if matched {
			hits = append(hits, hit)
		}
	}
	return hits
}

// evalRule evaluates conditions in order; the first failing condition
// short-circuits the rule.
func (e *Engine) evalRule(r Rule, ev *event.Event) (Hit, bool, error) {
	evidence := make([]Evidence, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		value, matched, err := e.evalCondition(c, ev)
		if err != nil {
			return Hit{}, false, err
		}
		if !matched {
			return Hit{}, false, nil
		}
		evidence = append(evidence, Evidence{
			Field:    c.Field,
			Operator: c.Operator.String(),
			Expected: c.Expected,
			Value:    value,
		})
	}
	return Hit{RuleID: r.ID, Severity: r.Severity, Evidence: evidence}, true, nil
}

// evalCondition applies one operator. The returned value is the concrete
// field value that satisfied the condition; for collections it is the
// matching element. An unresolvable field fails the condition rather than
// erroring; an unsupported operator is a hard error.
func (e *Engine) evalCondition(c Condition, ev *event.Event) (any, bool, error) {
	value, resolved := ev.Field(c.Field)

	switch c.Operator {
	case OpExists:
		return value, resolved, nil

	case OpEquals:
		if !resolved {
			return nil, false, nil
		}
		return value, looseEqual(value, c.Expected), nil

	case OpGreaterThan, OpLessThan:
		if !resolved {
			return nil, false, nil
		}
		left, leftOK := toNumber(value)
		right, rightOK := toNumber(c.Expected)
		if !leftOK || !rightOK {
			// Fails closed: non-numeric operands never match.
			return nil, false, nil
		}
		if c.Operator == OpGreaterThan {
			return value, left > right, nil
		}
		return value, left < right, nil

	case OpContains:
		if !resolved {
			return nil, false, nil
		}
		needle, ok := c.Expected.(string)
		if !ok {
			return nil, false, fmt.Errorf("contains expected value must be a string")
		}
		return scanStrings(value, func(s string) bool {
			return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
		})

	case OpRegex:
		if !resolved {
			return nil, false, nil
		}
		pattern, ok := c.Expected.(string)
		if !ok {
			return nil, false, fmt.Errorf("regex expected value must be a string")
		}
		re, compiled := e.patterns[pattern]
		if !compiled {
			return nil, false, fmt.Errorf("pattern not compiled: %q", pattern)
		}
		return scanStrings(value, re.MatchString)

	case OpPrefix:
		s, ok := asString(value, resolved)
		if !ok {
			return nil, false, nil
		}
		prefix, isStr := c.Expected.(string)
		if !isStr {
			return nil, false, fmt.Errorf("prefix expected value must be a string")
		}
		return s, strings.HasPrefix(s, prefix), nil

	case OpSuffix:
		s, ok := asString(value, resolved)
		if !ok {
			return nil, false, nil
		}
		suffix, isStr := c.Expected.(string)
		if !isStr {
			return nil, false, fmt.Errorf("suffix expected value must be a string")
		}
		return s, strings.HasSuffix(s, suffix), nil

	case OpIn:
		if !resolved {
			return nil, false, nil
		}
		set, ok := c.Expected.([]any)
		if !ok {
			return nil, false, fmt.Errorf("in expected value must be a list")
		}
		for _, candidate := range set {
			if looseEqual(value, candidate) {
				return value, true, nil
			}
		}
		return nil, false, nil

	default:
		return nil, false, fmt.Errorf("unsupported operator %s", c.Operator)
	}
}

// scanStrings applies match to every string reachable from value, in the
// data's natural order, returning the first element that matched. Supported
// shapes: scalar string, []string, payload lists and string maps.
func scanStrings(value any, match func(string) bool) (any, bool, error) {
	switch v := value.(type) {
	case string:
		return v, match(v), nil
	case []string:
		for _, s := range v {
			if match(s) {
				return s, true, nil
			}
		}
		return nil, false, nil
	case []event.Payload:
		for _, p := range v {
			if match(p.Value) {
				return p, true, nil
			}
		}
		return nil, false, nil
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if match(v[k]) {
				return v[k], true, nil
			}
		}
		return nil, false, nil
	default:
		return nil, false, nil
	}
}

func asString(value any, resolved bool) (string, bool) {
	if !resolved {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// looseEqual compares with numeric coercion: values that both parse as
// numbers compare numerically, everything else compares as strings.
func looseEqual(a, b any) bool {
	fa, aNum := toNumber(a)
	fb, bNum := toNumber(b)
	if aNum && bNum {
		return fa == fb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
