// Package correlation detects brute-force-style behavior that no single
// event reveals, using per-identity sliding time windows.
package correlation

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/rules"
)

// Config controls the brute-force window. Zero values take the defaults
// (5 failures / 60s window / 60s cooldown).
type Config struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Window:    60 * time.Second,
		Cooldown:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// identityState is the only long-lived mutable state in the detection core:
// a bounded failure timestamp log and a last-alert cooldown marker.
type identityState struct {
	failures  []int64 // epoch ms, pruned lazily to the window
	lastAlert int64   // epoch ms, zero until the first alert
}

// Tracker owns the per-identity state table. IP and session identities are
// tracked independently and in parallel; either crossing the threshold is
// sufficient. All access goes through one mutex so the
// read-prune-count-mark sequence is a single atomic unit per event.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*identityState
	cfg    Config
	log    *slog.Logger
}

// NewTracker creates a tracker with the given window configuration.
func NewTracker(cfg Config, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		states: map[string]*identityState{},
		cfg:    cfg.withDefaults(),
		log:    log,
	}
}

// Event types recognized as authentication attempts. Everything else passes
// through the tracker as a no-op.
var authEventTypes = map[string]bool{
	"auth_attempt":   true,
	"login_attempt":  true,
	"login":          true,
	"authentication": true,
	"sign_in":        true,
}

// Observe feeds one canonical event through the state machine and returns
// at most one synthetic HIGH hit. A successful authentication clears the
// actor's failure logs; a failure is appended to each identity log, the
// logs are pruned to the window, and the first identity crossing the
// threshold outside its cooldown fires.
func (t *Tracker) Observe(ev *event.Event) *rules.Hit {
	if !authEventTypes[strings.ToLower(ev.EventType)] {
		return nil
	}

	keys := identityKeys(ev)
	if len(keys) == 0 {
		return nil
	}
	now := ev.Timestamp

	t.mu.Lock()
	defer t.mu.Unlock()

	if authSucceeded(ev) {
		// The actor resolved their own access problem; prior failures are
		// no longer evidence of compromise.
		for _, key := range keys {
			delete(t.states, key)
		}
		return nil
	}

	fired := false
	var firedCount int
	window := t.cfg.Window.Milliseconds()
	for _, key := range keys {
		st := t.states[key]
		if st == nil {
			st = &identityState{}
			t.states[key] = st
		}

		st.failures = append(st.failures, now)
		st.failures = prune(st.failures, now-window)

		if len(st.failures) < t.cfg.Threshold {
			continue
		}
		if st.lastAlert != 0 && now-st.lastAlert < t.cfg.Cooldown.Milliseconds() {
			continue
		}
		// Mark every crossing identity so neither fires again within the
		// cooldown, but emit a single hit for the event.
		st.lastAlert = now
		if !fired {
			fired = true
			firedCount = len(st.failures)
		}
	}

	if !fired {
		return nil
	}

	t.log.Warn("brute force window crossed",
		"ip", ev.Actor.IP,
		"session_id", ev.Actor.SessionID,
		"failure_count", firedCount,
	)

	return &rules.Hit{
		RuleID:   rules.BruteForceRuleID,
		Severity: rules.SeverityHigh,
		Evidence: []rules.Evidence{
			{Field: "actor.ip", Operator: "correlated", Value: ev.Actor.IP},
			{Field: "actor.session_id", Operator: "correlated", Value: ev.Actor.SessionID},
			{Field: "failure_count", Operator: "correlated", Value: firedCount},
			{Field: "window_seconds", Operator: "correlated", Value: int(t.cfg.Window.Seconds())},
		},
	}
}

// IdentityCount reports how many identity keys currently hold state.
func (t *Tracker) IdentityCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func identityKeys(ev *event.Event) []string {
	keys := make([]string, 0, 2)
	if ev.Actor.IP != "" && ev.Actor.IP != event.Unknown {
		keys = append(keys, "ip:"+ev.Actor.IP)
	}
	if ev.Actor.SessionID != "" && ev.Actor.SessionID != event.Unknown {
		keys = append(keys, "session:"+ev.Actor.SessionID)
	}
	return keys
}

// authSucceeded reads the positive-authentication signal from the
// normalized request body, covering the flag names historical producers
// used.
func authSucceeded(ev *event.Event) bool {
	body, ok := ev.Request.Body.(map[string]any)
	if !ok {
		return false
	}
	for _, key := range []string{"success", "auth_success", "login_success", "authenticated"} {
		if truthy(body[key]) {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		s := strings.ToLower(val)
		return s == "true" || s == "1" || s == "yes"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}

// prune drops timestamps at or before the cutoff, in place.
func prune(ts []int64, cutoff int64) []int64 {
	kept := ts[:0]
	for _, t := range ts {
		if t > cutoff {
			kept = append(kept, t)
		}
	}
	return kept
}
