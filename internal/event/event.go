// Package event defines the canonical event contract all detection logic
// consumes, and the adapter that collapses heterogeneous telemetry into it.
package event

import "strings"

// Unknown is the default for identity and string fields absent from the raw input.
const Unknown = "unknown"

// Event is the canonical representation of one telemetry record. Every field
// is always populated with a typed default, so consumers never branch on
// absence. Events are immutable once built.
type Event struct {
	EventType string    `json:"event_type"`
	Source    string    `json:"source"`
	Timestamp int64     `json:"timestamp"` // epoch milliseconds
	Actor     Actor     `json:"actor"`
	Request   Request   `json:"request"`
	Behavior  Behavior  `json:"behavior"`
	Payloads  []Payload `json:"payloads"`
}

// Actor identifies who produced the event.
type Actor struct {
	IP        string `json:"ip"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Request captures the HTTP surface of the event, if any.
type Request struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	QueryParams map[string]string `json:"query_params"`
	Headers     map[string]string `json:"headers"`
	Body        any               `json:"body"`
}

// Behavior carries the numeric behavioral metrics producers report.
type Behavior struct {
	FailedAuthAttempts float64 `json:"failed_auth_attempts"`
	RequestCount       float64 `json:"request_count"`
	RateViolationCount float64 `json:"rate_violation_count"`
	InteractionRate    float64 `json:"interaction_rate"`
	IdleTime           float64 `json:"idle_time"`
}

// Payload is one string leaf found anywhere in the raw input, with the
// dotted/indexed path where it was discovered. Payloads preserve discovery
// order; rule evidence surfaces the first match.
type Payload struct {
	Location string `json:"location"`
	Value    string `json:"value"`
}

// Field resolves a dotted path against the canonical schema. The second
// return is false when the path does not exist in the schema. Map fields
// support one extra path element for key lookup (e.g. "request.headers.origin").
func (e *Event) Field(path string) (any, bool) {
	switch path {
	case "event_type":
		return e.EventType, true
	case "source":
		return e.Source, true
	case "timestamp":
		return e.Timestamp, true
	case "actor.ip":
		return e.Actor.IP, true
	case "actor.user_id":
		return e.Actor.UserID, true
	case "actor.session_id":
		return e.Actor.SessionID, true
	case "request.method":
		return e.Request.Method, true
	case "request.path":
		return e.Request.Path, true
	case "request.query_params":
		return e.Request.QueryParams, true
	case "request.headers":
		return e.Request.Headers, true
	case "request.body":
		if e.Request.Body == nil {
			return nil, false
		}
		return e.Request.Body, true
	case "behavior.failed_auth_attempts":
		return e.Behavior.FailedAuthAttempts, true
	case "behavior.request_count":
		return e.Behavior.RequestCount, true
	case "behavior.rate_violation_count":
		return e.Behavior.RateViolationCount, true
	case "behavior.interaction_rate":
		return e.Behavior.InteractionRate, true
	case "behavior.idle_time":
		return e.Behavior.IdleTime, true
	case "payloads":
		return e.Payloads, true
	}

	if key, ok := strings.CutPrefix(path, "request.query_params."); ok {
		v, found := e.Request.QueryParams[key]
		if !found {
			return nil, false
		}
		return v, true
	}
	if key, ok := strings.CutPrefix(path, "request.headers."); ok {
		v, found := e.Request.Headers[key]
		if !found {
			return nil, false
		}
		return v, true
	}
	if rest, ok := strings.CutPrefix(path, "request.body."); ok {
		return lookupBodyPath(e.Request.Body, rest)
	}

	return nil, false
}

// lookupBodyPath walks nested body maps by dotted key.
func lookupBodyPath(body any, path string) (any, bool) {
	cur := body
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
