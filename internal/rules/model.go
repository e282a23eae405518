// Package rules implements the declarative rule engine: a rule set loaded
// once at startup and evaluated purely against canonical events.
package rules

import (
	"fmt"
	"strings"
)

// Severity ranks how serious a rule match is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

// severityInvalid marks a rule whose source severity was unrecognized,
// mirroring opInvalid.
const severityInvalid Severity = -1

// String returns the canonical upper-case form.
func (s Severity) String() string {
	switch s {
	case SeverityHigh:
		return "HIGH"
	case SeverityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ParseSeverity maps a rule-source severity string onto the enum.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM", "MED":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	default:
		return SeverityLow, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so severities serialize as
// their names in JSON and YAML.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		*s = severityInvalid
		return nil
	}
	*s = parsed
	return nil
}

// Operator is the closed set of comparison semantics a condition may use.
// An unrecognized operator is a load-time error, never a silent no-op.
type Operator int

// opInvalid marks a condition whose source operator was unrecognized.
// Decoding is lenient so one bad rule cannot fail a whole rule file;
// compilation rejects the rule carrying it.
const opInvalid Operator = -1

const (
	OpEquals Operator = iota
	OpGreaterThan
	OpLessThan
	OpContains
	OpRegex
	OpExists
	OpPrefix
	OpSuffix
	OpIn
)

var operatorNames = map[Operator]string{
	OpEquals:      "equals",
	OpGreaterThan: "greater_than",
	OpLessThan:    "less_than",
	OpContains:    "contains",
	OpRegex:       "regex",
	OpExists:      "exists",
	OpPrefix:      "prefix",
	OpSuffix:      "suffix",
	OpIn:          "in",
}

// String returns the canonical operator name.
func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operator(%d)", int(o))
}

// ParseOperator maps a rule-source operator string onto the enum, accepting
// the aliases historical rule files used.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equals", "eq", "==":
		return OpEquals, nil
	case "greater_than", "gt", ">":
		return OpGreaterThan, nil
	case "less_than", "lt", "<":
		return OpLessThan, nil
	case "contains":
		return OpContains, nil
	case "regex", "matches":
		return OpRegex, nil
	case "exists":
		return OpExists, nil
	case "prefix", "starts_with":
		return OpPrefix, nil
	case "suffix", "ends_with":
		return OpSuffix, nil
	case "in", "one_of":
		return OpIn, nil
	default:
		return OpEquals, fmt.Errorf("unknown operator %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Operator) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operator) UnmarshalText(text []byte) error {
	parsed, err := ParseOperator(string(text))
	if err != nil {
		*o = opInvalid
		return nil
	}
	*o = parsed
	return nil
}

// Condition is one comparison against a canonical-schema field path.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Expected any      `yaml:"expected" json:"expected"`
}

// Rule is an ordered AND of conditions. Rules are immutable after load and
// reference only canonical-schema paths, never agent-specific field names.
type Rule struct {
	ID         string      `yaml:"rule_id" json:"rule_id"`
	Severity   Severity    `yaml:"severity" json:"severity"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
}

// Evidence records one satisfied condition with the concrete value that
// satisfied it (for collection fields, the matching element).
type Evidence struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Expected any    `json:"expected"`
	Value    any    `json:"value"`
}

// Hit is a record that all of a rule's conditions held for one event.
// Hits are produced fresh per event and never mutated.
type Hit struct {
	RuleID   string     `json:"rule_id"`
	Severity Severity   `json:"severity"`
	Evidence []Evidence `json:"evidence"`
}
