package scoring

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/rules"
)

type stubPredictor struct {
	score float64
	err   error
	calls int
}

func (p *stubPredictor) Predict(ctx context.Context, features []float64) (float64, error) {
	p.calls++
	return p.score, p.err
}

func hit(id string, sev rules.Severity) rules.Hit {
	return rules.Hit{
		RuleID:   id,
		Severity: sev,
		Evidence: []rules.Evidence{{Field: "payloads", Operator: "regex", Value: "x"}},
	}
}

func testEvent() *event.Event {
	return &event.Event{
		EventType: "http_request",
		Source:    "backend",
		Timestamp: 1_700_000_000_000,
		Actor:     event.Actor{IP: "10.0.0.1", UserID: event.Unknown, SessionID: "s-1"},
	}
}

func TestScore_BaseDecisions(t *testing.T) {
	tests := []struct {
		name       string
		hits       []rules.Hit
		isThreat   bool
		threatType string
		severity   rules.Severity
		confidence Confidence
	}{
		{
			name:       "no hits",
			hits:       nil,
			isThreat:   false,
			threatType: ThreatTypeNone,
			severity:   rules.SeverityLow,
			confidence: ConfidenceLow,
		},
		{
			name:       "single high",
			hits:       []rules.Hit{hit("SQL_INJECTION", rules.SeverityHigh)},
			isThreat:   true,
			threatType: "SQL_INJECTION",
			severity:   rules.SeverityHigh,
			confidence: ConfidenceHigh,
		},
		{
			name:       "first high wins over later",
			hits:       []rules.Hit{hit("A", rules.SeverityHigh), hit("B", rules.SeverityHigh)},
			isThreat:   true,
			threatType: "A",
			severity:   rules.SeverityHigh,
			confidence: ConfidenceHigh,
		},
		{
			name:       "single medium is informational",
			hits:       []rules.Hit{hit("HIGH_REQUEST_RATE", rules.SeverityMedium)},
			isThreat:   false,
			threatType: "HIGH_REQUEST_RATE",
			severity:   rules.SeverityLow,
			confidence: ConfidenceLow,
		},
		{
			name: "two mediums corroborate",
			hits: []rules.Hit{
				hit("HIGH_REQUEST_RATE", rules.SeverityMedium),
				hit("EXCESSIVE_FAILED_AUTH", rules.SeverityMedium),
			},
			isThreat:   true,
			threatType: "HIGH_REQUEST_RATE",
			severity:   rules.SeverityMedium,
			confidence: ConfidenceMedium,
		},
		{
			name: "high beats mediums",
			hits: []rules.Hit{
				hit("HIGH_REQUEST_RATE", rules.SeverityMedium),
				hit("SQL_INJECTION", rules.SeverityHigh),
			},
			isThreat:   true,
			threatType: "SQL_INJECTION",
			severity:   rules.SeverityHigh,
			confidence: ConfidenceHigh,
		},
		{
			name:       "single low is informational",
			hits:       []rules.Hit{hit("NOTE", rules.SeverityLow)},
			isThreat:   false,
			threatType: "NOTE",
			severity:   rules.SeverityLow,
			confidence: ConfidenceLow,
		},
	}

	s := NewScorer(nil, 0, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := s.Score(context.Background(), tt.hits, testEvent())
			assert.Equal(t, tt.isThreat, d.IsThreat)
			assert.Equal(t, tt.threatType, d.ThreatType)
			assert.Equal(t, tt.severity, d.Severity)
			assert.Equal(t, tt.confidence, d.Confidence)
			assert.Equal(t, len(tt.hits), d.RuleHitsCount)
			assert.NotEmpty(t, d.ID)
			assert.Equal(t, int64(1_700_000_000_000), d.Timestamp)
		})
	}
}

func TestScore_MLConfidenceAdjustment(t *testing.T) {
	tests := []struct {
		name       string
		score      float64
		base       []rules.Hit
		confidence Confidence
	}{
		{"high score tightens medium to high", 0.9,
			[]rules.Hit{hit("A", rules.SeverityMedium), hit("B", rules.SeverityMedium)}, ConfidenceHigh},
		{"low score loosens medium to low", 0.1,
			[]rules.Hit{hit("A", rules.SeverityMedium), hit("B", rules.SeverityMedium)}, ConfidenceLow},
		{"neutral band leaves confidence", 0.5,
			[]rules.Hit{hit("A", rules.SeverityMedium), hit("B", rules.SeverityMedium)}, ConfidenceMedium},
		{"tighten saturates at high", 0.95,
			[]rules.Hit{hit("A", rules.SeverityHigh)}, ConfidenceHigh},
		{"boundary value is neutral", 0.8,
			[]rules.Hit{hit("A", rules.SeverityMedium), hit("B", rules.SeverityMedium)}, ConfidenceMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScorer(&stubPredictor{score: tt.score}, time.Second, nil)
			d := s.Score(context.Background(), tt.base, testEvent())
			require.True(t, d.IsThreat)
			assert.Equal(t, tt.confidence, d.Confidence)
		})
	}
}

func TestScore_MLNeverFlipsVerdict(t *testing.T) {
	s := NewScorer(&stubPredictor{score: 0.99}, time.Second, nil)

	d := s.Score(context.Background(), nil, testEvent())
	assert.False(t, d.IsThreat)
	assert.Equal(t, ThreatTypeNone, d.ThreatType)
	assert.Contains(t, d.Explanation, "ml_score=0.99")
}

func TestScore_MLFailureUsesNeutral(t *testing.T) {
	tests := []struct {
		name string
		pred *stubPredictor
	}{
		{"predictor error", &stubPredictor{err: errors.New("connection refused")}},
		{"score above range", &stubPredictor{score: 1.5}},
		{"score below range", &stubPredictor{score: -0.2}},
	}

	base := []rules.Hit{hit("A", rules.SeverityMedium), hit("B", rules.SeverityMedium)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScorer(tt.pred, time.Second, nil)
			d := s.Score(context.Background(), base, testEvent())
			assert.True(t, d.IsThreat)
			assert.Equal(t, ConfidenceMedium, d.Confidence)
			// A failed prediction adds nothing to the explanation.
			assert.NotContains(t, d.Explanation, "ml_score")
		})
	}
}

func TestScore_NilPredictorSkipsML(t *testing.T) {
	s := NewScorer(nil, time.Second, nil)
	d := s.Score(context.Background(), []rules.Hit{hit("A", rules.SeverityHigh)}, testEvent())
	assert.Equal(t, ConfidenceHigh, d.Confidence)
	assert.NotContains(t, d.Explanation, "ml_score")
}

func TestExplain(t *testing.T) {
	longValue := strings.Repeat("a", 80)
	hits := []rules.Hit{
		{
			RuleID:   "SQL_INJECTION",
			Severity: rules.SeverityHigh,
			Evidence: []rules.Evidence{{
				Field:    "payloads",
				Operator: "regex",
				Value:    event.Payload{Location: "query_params.q", Value: longValue},
			}},
		},
		hit("OTHER", rules.SeverityLow),
	}

	s := NewScorer(nil, 0, nil)
	d := s.Score(context.Background(), hits, testEvent())

	assert.Contains(t, d.Explanation, "rule SQL_INJECTION matched on payloads=")
	assert.Contains(t, d.Explanation, strings.Repeat("a", 50)+"...")
	assert.NotContains(t, d.Explanation, strings.Repeat("a", 51))
	assert.Contains(t, d.Explanation, "2 rule(s) triggered")
}

func TestExplain_TruncatesOnRuneBoundary(t *testing.T) {
	// 49 ASCII bytes, then 3-byte runes: byte 50 lands mid-rune.
	longValue := strings.Repeat("a", 49) + strings.Repeat("世", 20)
	hits := []rules.Hit{{
		RuleID:   "SQL_INJECTION",
		Severity: rules.SeverityHigh,
		Evidence: []rules.Evidence{{
			Field:    "payloads",
			Operator: "regex",
			Value:    event.Payload{Location: "body.q", Value: longValue},
		}},
	}}

	s := NewScorer(nil, 0, nil)
	d := s.Score(context.Background(), hits, testEvent())

	assert.True(t, utf8.ValidString(d.Explanation))
	assert.Contains(t, d.Explanation, strings.Repeat("a", 49)+"...")
	assert.NotContains(t, d.Explanation, "世")
}

func TestExplain_NoHits(t *testing.T) {
	s := NewScorer(nil, 0, nil)
	d := s.Score(context.Background(), nil, testEvent())
	assert.Equal(t, "no rules triggered", d.Explanation)
}

func TestProcessingErrorDecision(t *testing.T) {
	d := ProcessingErrorDecision("runtime error: nil pointer")

	assert.False(t, d.IsThreat)
	assert.Equal(t, ThreatTypeProcessingError, d.ThreatType)
	assert.Equal(t, rules.SeverityHigh, d.Severity)
	assert.Equal(t, ConfidenceLow, d.Confidence)
	assert.Contains(t, d.Explanation, "nil pointer")
	assert.NotEmpty(t, d.ID)
}

func TestFeatureVector(t *testing.T) {
	ev := testEvent()
	ev.Behavior.FailedAuthAttempts = 4
	ev.Behavior.RequestCount = 200
	ev.Behavior.InteractionRate = 1.5

	vec := FeatureVector(ev, []rules.Hit{
		hit("SQL_INJECTION", rules.SeverityHigh),
		hit(rules.BruteForceRuleID, rules.SeverityHigh),
	})

	require.Len(t, vec, len(FeatureNames))
	byName := map[string]float64{}
	for i, name := range FeatureNames {
		byName[name] = vec[i]
	}
	assert.Equal(t, 4.0, byName["failed_login_attempts"])
	assert.Equal(t, 200.0, byName["request_rate"])
	assert.Equal(t, 1.5, byName["input_field_activity"])
	assert.Equal(t, 1.0, byName["unusual_sql_queries"])
	assert.Equal(t, 1.0, byName["suspicious_input_patterns"])
	assert.Equal(t, 1.0, byName["brute_force_signatures"])
	assert.Equal(t, 0.0, byName["suspicious_file_uploads"])
}
