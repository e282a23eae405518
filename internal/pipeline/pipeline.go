// Package pipeline orchestrates the per-event detection sequence:
// validate, normalize, rule-match, correlate, score, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crowsnest-security/crowsnest/internal/correlation"
	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/metrics"
	"github.com/crowsnest-security/crowsnest/internal/rules"
	"github.com/crowsnest-security/crowsnest/internal/scoring"
)

// ErrInvalidInput rejects raw telemetry that carries neither a session nor
// a server identifier. No partial Event is produced for such input.
var ErrInvalidInput = errors.New("telemetry missing session and server identifiers")

// EventStore persists the raw canonical event. Failures are independent of
// scoring.
type EventStore interface {
	StoreRawEvent(ctx context.Context, ev *event.Event) error
}

// AlertStore persists positive decisions with their evidence and
// identifiers.
type AlertStore interface {
	StoreAlert(ctx context.Context, d *scoring.Decision, ev *event.Event, hits []rules.Hit) error
}

// Notifier publishes positive decisions to interested consumers.
type Notifier interface {
	Notify(ctx context.Context, d *scoring.Decision, ev *event.Event) error
}

// Pipeline wires the detection core together. Data flows strictly left to
// right; no component reaches back into an upstream one.
type Pipeline struct {
	engine  *rules.Engine
	tracker *correlation.Tracker
	scorer  *scoring.Scorer

	events   EventStore
	alerts   AlertStore
	notifier Notifier

	log *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithEventStore attaches the raw event persistence collaborator.
func WithEventStore(s EventStore) Option {
	return func(p *Pipeline) { p.events = s }
}

// WithAlertStore attaches the alert persistence collaborator.
func WithAlertStore(s AlertStore) Option {
	return func(p *Pipeline) { p.alerts = s }
}

// WithNotifier attaches the decision publisher.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// New creates a pipeline around the three core stages.
func New(engine *rules.Engine, tracker *correlation.Tracker, scorer *scoring.Scorer, log *slog.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{engine: engine, tracker: tracker, scorer: scorer, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one raw telemetry object through the pipeline and always
// returns a decision unless the input fails validation. Any unexpected
// panic below this boundary is converted into a PROCESSING_ERROR decision
// rather than crashing the caller.
func (p *Pipeline) Process(ctx context.Context, source string, raw map[string]any) (d *scoring.Decision, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic recovered", "panic", r, "source", source)
			metrics.ProcessingErrors.Inc()
			metrics.EventsTotal.WithLabelValues(source, "error").Inc()
			d = scoring.ProcessingErrorDecision(fmt.Sprintf("%v", r))
			err = nil
		}
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	if !event.Validate(raw) {
		metrics.EventsTotal.WithLabelValues(source, "rejected").Inc()
		return nil, ErrInvalidInput
	}

	ev := event.Normalize(raw, source)

	ruleStart := time.Now()
	hits := p.engine.Evaluate(ev)
	metrics.RuleEvaluationDuration.Observe(time.Since(ruleStart).Seconds())

	if synthetic := p.tracker.Observe(ev); synthetic != nil {
		hits = append(hits, *synthetic)
	}

	d = p.scorer.Score(ctx, hits, ev)

	metrics.EventsTotal.WithLabelValues(ev.Source, "processed").Inc()
	if d.IsThreat {
		metrics.ThreatsTotal.WithLabelValues(d.ThreatType, d.Severity.String()).Inc()
		p.log.Warn("threat detected",
			"threat_type", d.ThreatType,
			"severity", d.Severity.String(),
			"confidence", d.Confidence.String(),
			"ip", ev.Actor.IP,
			"rule_hits", d.RuleHitsCount,
		)
	}

	p.persist(ctx, d, ev, hits)
	return d, nil
}

// persist hands the event and decision to the external collaborators.
// Their failures are logged and counted, never surfaced: a persistence
// failure must not alter the returned decision.
func (p *Pipeline) persist(ctx context.Context, d *scoring.Decision, ev *event.Event, hits []rules.Hit) {
	if p.events != nil {
		if err := p.events.StoreRawEvent(ctx, ev); err != nil {
			metrics.StorageErrors.WithLabelValues("events").Inc()
			p.log.Error("storing raw event failed", "error", err)
		}
	}
	if !d.IsThreat {
		return
	}
	if p.alerts != nil {
		if err := p.alerts.StoreAlert(ctx, d, ev, hits); err != nil {
			metrics.StorageErrors.WithLabelValues("alerts").Inc()
			p.log.Error("storing alert failed", "error", err, "decision_id", d.ID)
		}
	}
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, d, ev); err != nil {
			p.log.Error("publishing decision failed", "error", err, "decision_id", d.ID)
		}
	}
}
