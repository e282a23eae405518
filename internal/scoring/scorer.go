// Package scoring fuses rule hits with an optional, untrusted ML confidence
// signal into the final threat decision.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/metrics"
	"github.com/crowsnest-security/crowsnest/internal/rules"
)

// Confidence is the qualitative strength of a decision.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

// String returns the canonical upper-case form.
func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "HIGH"
	case ConfidenceMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Confidence) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "HIGH":
		*c = ConfidenceHigh
	case "MEDIUM":
		*c = ConfidenceMedium
	default:
		*c = ConfidenceLow
	}
	return nil
}

// ThreatTypeNone marks a decision with no winning rule.
const ThreatTypeNone = "NONE"

// ThreatTypeProcessingError tags decisions produced when the pipeline
// itself failed; visible rather than silently swallowed.
const ThreatTypeProcessingError = "PROCESSING_ERROR"

// Decision is the terminal output of the pipeline for one event.
type Decision struct {
	ID            string         `json:"id"`
	IsThreat      bool           `json:"is_threat"`
	ThreatType    string         `json:"threat_type"`
	Severity      rules.Severity `json:"severity"`
	Confidence    Confidence     `json:"confidence"`
	Explanation   string         `json:"explanation"`
	RuleHitsCount int            `json:"rule_hits_count"`
	Timestamp     int64          `json:"timestamp"`
}

// MLThresholds: scores above the upper bound tighten confidence one step on
// a positive rule verdict; below the lower bound they loosen it one step.
// The band between is neutral. Rules remain the source of truth: the ML
// signal never flips is_threat.
const (
	mlTightenAbove = 0.8
	mlLoosenBelow  = 0.3
)

const evidenceValueLimit = 50

// Scorer builds decisions from rule hits. The ML client is optional.
type Scorer struct {
	ml        Predictor
	mlTimeout time.Duration
	log       *slog.Logger
}

// Predictor is the contract of the external ML scoring collaborator.
// Implementations must treat every call as bounded by ctx.
type Predictor interface {
	Predict(ctx context.Context, features []float64) (float64, error)
}

// NewScorer creates a scorer. A nil predictor disables ML fusion entirely.
func NewScorer(ml Predictor, mlTimeout time.Duration, log *slog.Logger) *Scorer {
	if log == nil {
		log = slog.Default()
	}
	if mlTimeout <= 0 {
		mlTimeout = 2 * time.Second
	}
	return &Scorer{ml: ml, mlTimeout: mlTimeout, log: log}
}

// Score derives the deterministic base decision from rule severities, then
// applies the ML fusion rule.
func (s *Scorer) Score(ctx context.Context, hits []rules.Hit, ev *event.Event) *Decision {
	d := baseDecision(hits, ev)

	if s.ml == nil {
		return d
	}

	score, ok := s.predict(ctx, hits, ev)
	if !ok {
		// Neutral default: inside the no-op band, so nothing to adjust.
		return d
	}

	if d.IsThreat {
		switch {
		case score > mlTightenAbove:
			d.Confidence = stepConfidence(d.Confidence, 1)
		case score < mlLoosenBelow:
			d.Confidence = stepConfidence(d.Confidence, -1)
		}
	} else {
		// Visibility only: a noisy, unverified signal can never
		// manufacture a threat.
		d.Explanation = fmt.Sprintf("%s; ml_score=%.2f", d.Explanation, score)
	}

	return d
}

func baseDecision(hits []rules.Hit, ev *event.Event) *Decision {
	d := &Decision{
		ID:            uuid.NewString(),
		ThreatType:    ThreatTypeNone,
		Severity:      rules.SeverityLow,
		Confidence:    ConfidenceLow,
		RuleHitsCount: len(hits),
		Timestamp:     ev.Timestamp,
	}

	var firstHigh *rules.Hit
	var strongest *rules.Hit
	mediums := 0
	for i := range hits {
		h := &hits[i]
		if h.Severity == rules.SeverityHigh && firstHigh == nil {
			firstHigh = h
		}
		if h.Severity == rules.SeverityMedium {
			mediums++
		}
		if strongest == nil || h.Severity > strongest.Severity {
			strongest = h
		}
	}

	switch {
	case firstHigh != nil:
		d.IsThreat = true
		d.ThreatType = firstHigh.RuleID
		d.Severity = rules.SeverityHigh
		d.Confidence = ConfidenceHigh
	case mediums >= 2:
		// A single medium anomaly alone is inconclusive; corroboration
		// from a second independent rule is required.
		d.IsThreat = true
		d.ThreatType = firstOfSeverity(hits, rules.SeverityMedium).RuleID
		d.Severity = rules.SeverityMedium
		d.Confidence = ConfidenceMedium
	case strongest != nil:
		// Informational only.
		d.ThreatType = strongest.RuleID
	}

	d.Explanation = explain(hits)
	return d
}

func firstOfSeverity(hits []rules.Hit, sev rules.Severity) *rules.Hit {
	for i := range hits {
		if hits[i].Severity == sev {
			return &hits[i]
		}
	}
	return &hits[0]
}

// explain summarizes the first hit's id and first evidence entry, with the
// evidence value truncated, plus the rule count.
func explain(hits []rules.Hit) string {
	if len(hits) == 0 {
		return "no rules triggered"
	}
	first := hits[0]
	summary := fmt.Sprintf("rule %s matched", first.RuleID)
	if len(first.Evidence) > 0 {
		ev := first.Evidence[0]
		summary = fmt.Sprintf("rule %s matched on %s=%s",
			first.RuleID, ev.Field, truncate(evidenceValue(ev.Value), evidenceValueLimit))
	}
	return fmt.Sprintf("%s; %d rule(s) triggered", summary, len(hits))
}

func evidenceValue(v any) string {
	if p, ok := v.(event.Payload); ok {
		return p.Value
	}
	return fmt.Sprintf("%v", v)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Back off to a rune boundary so the cut never yields invalid UTF-8.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func stepConfidence(c Confidence, delta int) Confidence {
	stepped := int(c) + delta
	if stepped < int(ConfidenceLow) {
		return ConfidenceLow
	}
	if stepped > int(ConfidenceHigh) {
		return ConfidenceHigh
	}
	return Confidence(stepped)
}

// predict invokes the ML collaborator under its deadline. Failure of any
// kind degrades to (_, false); it is never propagated as a pipeline error.
func (s *Scorer) predict(ctx context.Context, hits []rules.Hit, ev *event.Event) (float64, bool) {
	mlCtx, cancel := context.WithTimeout(ctx, s.mlTimeout)
	defer cancel()

	start := time.Now()
	score, err := s.ml.Predict(mlCtx, FeatureVector(ev, hits))
	metrics.MLRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MLFailures.Inc()
		s.log.Debug("ml predict failed, using neutral score", "error", err)
		return 0.5, false
	}
	if score < 0 || score > 1 {
		metrics.MLFailures.Inc()
		s.log.Warn("ml score out of range, ignoring", "score", score)
		return 0.5, false
	}
	return score, true
}

// ProcessingErrorDecision is the terminal decision for events the pipeline
// could not process: visible (HIGH severity) but not a threat verdict
// (LOW confidence, is_threat false).
func ProcessingErrorDecision(reason string) *Decision {
	return &Decision{
		ID:          uuid.NewString(),
		IsThreat:    false,
		ThreatType:  ThreatTypeProcessingError,
		Severity:    rules.SeverityHigh,
		Confidence:  ConfidenceLow,
		Explanation: fmt.Sprintf("pipeline failure: %s", truncate(reason, 200)),
		Timestamp:   time.Now().UnixMilli(),
	}
}
