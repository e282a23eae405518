package event

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Fallback chains for fields whose names drifted across agent revisions.
// Order matters: the first non-empty source wins.
var (
	eventTypeChain = []string{"event_type", "type", "eventType", "event"}
	sourceChain    = []string{"source", "agent", "collector", "origin"}
	timestampChain = []string{"timestamp", "time", "ts", "event_time", "eventTime"}
	ipChain        = []string{"ip", "ip_address", "ipAddress", "client_ip", "remote_addr", "actor.ip", "network.ip"}
	userIDChain    = []string{"user_id", "userId", "user", "username", "actor.user_id"}
	sessionChain   = []string{"session_id", "sessionId", "session", "actor.session_id"}
	serverChain    = []string{"server_id", "serverId", "hostname", "host", "service"}
	methodChain    = []string{"method", "http_method", "httpMethod", "request.method"}
	urlChain       = []string{"url", "request_url", "requestUrl", "path", "endpoint", "request.path"}
	queryChain     = []string{"query_params", "queryParams", "query", "request.query_params", "request.queryParams", "request.query"}
	headersChain   = []string{"headers", "request_headers", "requestHeaders", "request.headers"}
	bodyChain      = []string{"body", "request_body", "requestBody", "payload", "data", "request.body"}
	formChain      = []string{"form", "form_data", "formData"}
	userAgentChain = []string{"user_agent", "userAgent", "ua"}
)

// Metric bundles historically shipped under several envelope keys; the
// behavior block is assembled from whichever is present, plus top-level keys.
var metricBundleKeys = []string{"behavior", "metrics", "behavior_metrics", "security_metrics"}

var behaviorChains = map[string][]string{
	"failed_auth_attempts": {"failed_auth_attempts", "failed_login_attempts", "failedLogins", "auth_failures"},
	"request_count":        {"request_count", "requestCount", "request_rate", "requests"},
	"rate_violation_count": {"rate_violation_count", "rate_violations", "rateViolations"},
	"interaction_rate":     {"interaction_rate", "interactionRate", "mouse_click_frequency"},
	"idle_time":            {"idle_time", "idleTime", "idle"},
}

// Payload sources are walked in this order so evidence reporting is stable
// across runs; within each source, discovery order follows the data.
var payloadSourceKeys = []string{"security_events", "error_events", "network_events", "events"}

// Validate is the cheap gate the orchestrator applies before normalization.
// It accepts input carrying at least one of a session or server identifier;
// everything else is rejected as garbage before an Event is constructed.
func Validate(raw map[string]any) bool {
	if raw == nil {
		return false
	}
	if s, ok := firstString(raw, sessionChain); ok && s != "" {
		return true
	}
	if s, ok := firstString(raw, serverChain); ok && s != "" {
		return true
	}
	return false
}

// Normalize collapses one raw telemetry object into the canonical Event.
// It is total: missing or malformed fields degrade to typed defaults, never
// to an error. The source tag is taken from the ingestion boundary when the
// raw input does not carry one itself.
func Normalize(raw map[string]any, source string) *Event {
	if raw == nil {
		raw = map[string]any{}
	}

	e := &Event{
		EventType: Unknown,
		Source:    Unknown,
		Timestamp: time.Now().UnixMilli(),
		Actor:     Actor{IP: Unknown, UserID: Unknown, SessionID: Unknown},
		Request: Request{
			QueryParams: map[string]string{},
			Headers:     map[string]string{},
		},
		Payloads: []Payload{},
	}

	if v, ok := firstString(raw, eventTypeChain); ok {
		e.EventType = v
	}
	if v, ok := firstString(raw, sourceChain); ok {
		e.Source = v
	} else if source != "" {
		e.Source = source
	}
	if ms, ok := firstTimestamp(raw, timestampChain); ok {
		e.Timestamp = ms
	}
	if v, ok := firstString(raw, ipChain); ok {
		e.Actor.IP = v
	}
	if v, ok := firstString(raw, userIDChain); ok {
		e.Actor.UserID = v
	}
	if v, ok := firstString(raw, sessionChain); ok {
		e.Actor.SessionID = v
	}

	normalizeRequest(raw, &e.Request)
	normalizeBehavior(raw, &e.Behavior)
	e.Payloads = collectPayloads(raw, &e.Request)

	return e
}

func normalizeRequest(raw map[string]any, req *Request) {
	if v, ok := firstString(raw, methodChain); ok {
		req.Method = strings.ToUpper(v)
	}

	if rawURL, ok := firstString(raw, urlChain); ok {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			// Not URL-shaped at all: keep it as an opaque path.
			req.Path = rawURL
		} else {
			req.Path = parsed.Path
			if req.Path == "" {
				req.Path = parsed.Opaque
			}
			if req.Path == "" {
				req.Path = rawURL
			}
			for k, vs := range parsed.Query() {
				if len(vs) > 0 {
					req.QueryParams[k] = vs[0]
				}
			}
		}
	}

	// Explicit query parameter maps override anything parsed from the URL.
	if m, ok := firstMap(raw, queryChain); ok {
		for k, v := range m {
			req.QueryParams[k] = toString(v)
		}
	}

	if m, ok := firstMap(raw, headersChain); ok {
		for k, v := range m {
			req.Headers[strings.ToLower(k)] = toString(v)
		}
	}
	if ua, ok := firstString(raw, userAgentChain); ok {
		if _, present := req.Headers["user-agent"]; !present {
			req.Headers["user-agent"] = ua
		}
	}

	for _, key := range bodyChain {
		if v, ok := lookupPath(raw, key); ok && v != nil {
			req.Body = v
			break
		}
	}
}

func normalizeBehavior(raw map[string]any, b *Behavior) {
	// Top-level keys win over bundled ones: newer agents report flat metrics.
	sources := []map[string]any{raw}
	for _, key := range metricBundleKeys {
		if m, ok := raw[key].(map[string]any); ok {
			sources = append(sources, m)
		}
	}

	resolve := func(target string) float64 {
		for _, src := range sources {
			for _, name := range behaviorChains[target] {
				if v, ok := src[name]; ok {
					if f, numeric := toFloat(v); numeric {
						return f
					}
				}
			}
		}
		return 0
	}

	b.FailedAuthAttempts = resolve("failed_auth_attempts")
	b.RequestCount = resolve("request_count")
	b.RateViolationCount = resolve("rate_violation_count")
	b.InteractionRate = resolve("interaction_rate")
	b.IdleTime = resolve("idle_time")
}

// collectPayloads walks every string leaf of the rule-relevant parts of the
// raw input, recording a dotted/indexed location path for each. Discovery
// order is preserved: query params, body, form data, headers, user-agent,
// then nested sub-event arrays.
func collectPayloads(raw map[string]any, req *Request) []Payload {
	w := &payloadWalker{out: []Payload{}, seen: map[uintptr]bool{}}

	w.walkSortedMap("query_params", req.QueryParams)
	if req.Body != nil {
		w.walk("body", req.Body)
	}
	for _, key := range formChain {
		if v, ok := raw[key]; ok {
			w.walk("form", v)
			break
		}
	}
	w.walkSortedMap("headers", req.Headers)
	for _, key := range payloadSourceKeys {
		if v, ok := raw[key]; ok {
			w.walk(key, v)
		}
	}

	return w.out
}

type payloadWalker struct {
	out  []Payload
	seen map[uintptr]bool
}

// walkSortedMap visits string maps in key order so payload locations are
// deterministic for identical inputs.
func (w *payloadWalker) walkSortedMap(loc string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.emit(loc+"."+k, m[k])
	}
}

func (w *payloadWalker) walk(loc string, v any) {
	switch val := v.(type) {
	case string:
		w.emit(loc, val)
	case map[string]any:
		if w.entered(reflect.ValueOf(val).Pointer()) {
			return
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.walk(loc+"."+k, val[k])
		}
	case map[string]string:
		if w.entered(reflect.ValueOf(val).Pointer()) {
			return
		}
		w.walkSortedMap(loc, val)
	case []any:
		if len(val) > 0 && w.entered(reflect.ValueOf(val).Pointer()) {
			return
		}
		for i, item := range val {
			w.walk(fmt.Sprintf("%s[%d]", loc, i), item)
		}
	case []string:
		for i, item := range val {
			w.emit(fmt.Sprintf("%s[%d]", loc, i), item)
		}
	}
}

func (w *payloadWalker) emit(loc, val string) {
	if val == "" {
		return
	}
	w.out = append(w.out, Payload{Location: loc, Value: val})
}

// entered marks a container as visited. Inputs decoded from JSON are trees,
// so this guard only matters for hand-built maps that alias themselves.
func (w *payloadWalker) entered(ptr uintptr) bool {
	if w.seen[ptr] {
		return true
	}
	w.seen[ptr] = true
	return false
}

// lookupPath reads a possibly dotted key from a raw map.
func lookupPath(raw map[string]any, path string) (any, bool) {
	if v, ok := raw[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	var cur any = raw
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

func firstString(raw map[string]any, chain []string) (string, bool) {
	for _, key := range chain {
		if v, ok := lookupPath(raw, key); ok {
			if s := toString(v); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func firstMap(raw map[string]any, chain []string) (map[string]any, bool) {
	for _, key := range chain {
		if v, ok := lookupPath(raw, key); ok {
			if m, isMap := v.(map[string]any); isMap {
				return m, true
			}
		}
	}
	return nil, false
}

// firstTimestamp resolves the first numeric timestamp in the chain,
// normalizing epoch seconds to milliseconds.
func firstTimestamp(raw map[string]any, chain []string) (int64, bool) {
	for _, key := range chain {
		v, ok := lookupPath(raw, key)
		if !ok {
			continue
		}
		f, numeric := toFloat(v)
		if !numeric || f <= 0 {
			continue
		}
		ms := int64(f)
		if ms < 1e12 {
			ms *= 1000
		}
		return ms, true
	}
	return 0, false
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
