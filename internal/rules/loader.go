package rules

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// BruteForceRuleID is the identifier of the synthetic hit the correlation
// tracker emits; it shares the rule namespace so downstream consumers treat
// it like any other rule.
const BruteForceRuleID = "BRUTE_FORCE_WINDOW"

// Engine holds the compiled rule set. It is read-only after construction
// and safe for unsynchronized concurrent evaluation.
type Engine struct {
	rules    []Rule
	patterns map[string]*regexp.Regexp
	log      *slog.Logger
}

// Load reads the declarative rule list at path and compiles it. A missing or
// malformed file degrades to the built-in rule set: the engine never starts
// with zero rules. Individual broken rules are excluded and logged by id.
func Load(path string, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	rules, err := parseFile(path)
	if err != nil {
		log.Warn("rule source unavailable, falling back to built-in rules",
			"path", path, "error", err)
		rules = Builtin()
	}

	return NewEngine(rules, log)
}

// NewEngine compiles a rule set directly. Rules with invalid patterns or
// otherwise broken conditions are excluded and logged; if nothing survives,
// the built-in set is compiled instead.
func NewEngine(ruleSet []Rule, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{patterns: map[string]*regexp.Regexp{}, log: log}
	for _, r := range ruleSet {
		if err := e.compileRule(r); err != nil {
			log.Error("excluding broken rule", "rule_id", r.ID, "error", err)
			continue
		}
		e.rules = append(e.rules, r)
	}

	if len(e.rules) == 0 {
		log.Warn("no usable rules after compilation, loading built-in set")
		for _, r := range Builtin() {
			if err := e.compileRule(r); err != nil {
				return nil, fmt.Errorf("built-in rule %s: %w", r.ID, err)
			}
			e.rules = append(e.rules, r)
		}
	}

	return e, nil
}

// Rules returns the active rule set.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// compileRule validates a rule and caches its regex patterns. Patterns are
// compiled once per unique pattern string, case-insensitive; Go's RE2
// matching carries no position state between calls.
func (e *Engine) compileRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("missing rule_id")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule has no conditions")
	}
	if r.Severity == severityInvalid {
		return fmt.Errorf("unknown severity")
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("condition %d: missing field", i)
		}
		if _, known := operatorNames[c.Operator]; !known {
			return fmt.Errorf("condition %d: unknown operator", i)
		}
		if c.Operator == OpRegex {
			pattern, ok := c.Expected.(string)
			if !ok {
				return fmt.Errorf("condition %d: regex expected value must be a string", i)
			}
			if _, cached := e.patterns[pattern]; cached {
				continue
			}
			re, err := regexp.Compile(caseInsensitive(pattern))
			if err != nil {
				return fmt.Errorf("condition %d: invalid pattern: %w", i, err)
			}
			e.patterns[pattern] = re
		}
	}
	return nil
}

func caseInsensitive(pattern string) string {
	if strings.HasPrefix(pattern, "(?i)") {
		return pattern
	}
	return "(?i)" + pattern
}

// ParseFile reads a YAML rule file without compiling it. The file may be
// either a document with a top-level "rules" key or a bare rule list.
func ParseFile(path string) ([]Rule, error) {
	return parseFile(path)
}

// CheckRule validates a single rule the same way engine construction does.
func CheckRule(r Rule) error {
	e := &Engine{patterns: map[string]*regexp.Regexp{}}
	return e.compileRule(r)
}

func parseFile(path string) ([]Rule, error) {
	if path == "" {
		return nil, fmt.Errorf("no rule source configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule source: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	docErr := yaml.Unmarshal(data, &doc)
	if docErr == nil && len(doc.Rules) > 0 {
		return doc.Rules, nil
	}
	// Also accept a bare top-level list; that shape fails the document
	// unmarshal outright rather than yielding zero rules.
	var list []Rule
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	if docErr != nil {
		return nil, fmt.Errorf("parse rule source: %w", docErr)
	}
	return nil, fmt.Errorf("rule source contains no rules")
}

// Builtin returns the minimal rule set the engine falls back to when the
// configured source is missing or malformed.
func Builtin() []Rule {
	return []Rule{
		{
			ID:       "SQL_INJECTION",
			Severity: SeverityHigh,
			Conditions: []Condition{{
				Field:    "payloads",
				Operator: OpRegex,
				// Scoped to syntactic injection shapes rather than bare
				// keywords so prose mentioning SQL does not fire.
				Expected: `('|")\s*(or|and)\s+\d+\s*=\s*\d+|union(\s+all)?\s+select\s+[\w\s,*]+\s+from\s|;\s*(drop|truncate)\s+(table|database)\b|'\s*--|\bsleep\s*\(\s*\d+`,
			}},
		},
		{
			ID:       "SCRIPT_INJECTION",
			Severity: SeverityHigh,
			Conditions: []Condition{{
				Field:    "payloads",
				Operator: OpRegex,
				Expected: `<\s*script\b|javascript\s*:|\bon(error|load|click|mouseover|focus)\s*=|<\s*iframe\b|document\s*\.\s*cookie`,
			}},
		},
		{
			ID:       "EXCESSIVE_FAILED_AUTH",
			Severity: SeverityMedium,
			Conditions: []Condition{{
				Field:    "behavior.failed_auth_attempts",
				Operator: OpGreaterThan,
				Expected: 5,
			}},
		},
		{
			ID:       "HIGH_REQUEST_RATE",
			Severity: SeverityMedium,
			Conditions: []Condition{{
				Field:    "behavior.request_count",
				Operator: OpGreaterThan,
				Expected: 100,
			}},
		},
		{
			ID:       "RATE_LIMIT_VIOLATIONS",
			Severity: SeverityMedium,
			Conditions: []Condition{{
				Field:    "behavior.rate_violation_count",
				Operator: OpGreaterThan,
				Expected: 5,
			}},
		},
		{
			ID:       "PATH_TRAVERSAL",
			Severity: SeverityHigh,
			Conditions: []Condition{{
				Field:    "payloads",
				Operator: OpRegex,
				Expected: `(\.\./|\.\.\\){2,}|%2e%2e%2f|/etc/(passwd|shadow)\b`,
			}},
		},
	}
}
