package correlation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/rules"
)

func authEvent(ip, session string, ts int64) *event.Event {
	return &event.Event{
		EventType: "auth_attempt",
		Source:    "backend",
		Timestamp: ts,
		Actor:     event.Actor{IP: ip, UserID: event.Unknown, SessionID: session},
	}
}

func successEvent(ip, session string, ts int64) *event.Event {
	ev := authEvent(ip, session, ts)
	ev.Request.Body = map[string]any{"success": true}
	return ev
}

func TestObserve_BelowThresholdNoHit(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)

	base := int64(1_700_000_000_000)
	for i := 0; i < 4; i++ {
		hit := tr.Observe(authEvent("10.0.0.1", "s-1", base+int64(i)*1000))
		assert.Nil(t, hit)
	}
}

func TestObserve_ThresholdFiresOnce(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)

	base := int64(1_700_000_000_000)
	var hits []*rules.Hit
	for i := 0; i < 8; i++ {
		if hit := tr.Observe(authEvent("10.0.0.1", "s-1", base+int64(i)*1000)); hit != nil {
			hits = append(hits, hit)
		}
	}

	// The fifth failure crosses; the cooldown suppresses the rest.
	require.Len(t, hits, 1)
	assert.Equal(t, rules.BruteForceRuleID, hits[0].RuleID)
	assert.Equal(t, rules.SeverityHigh, hits[0].Severity)
}

func TestObserve_HitEvidence(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)

	base := int64(1_700_000_000_000)
	var hit *rules.Hit
	for i := 0; i < 5; i++ {
		hit = tr.Observe(authEvent("10.0.0.1", "s-1", base+int64(i)*1000))
	}

	require.NotNil(t, hit)
	fields := map[string]any{}
	for _, e := range hit.Evidence {
		fields[e.Field] = e.Value
	}
	assert.Equal(t, "10.0.0.1", fields["actor.ip"])
	assert.Equal(t, "s-1", fields["actor.session_id"])
	assert.Equal(t, 5, fields["failure_count"])
	assert.Equal(t, 60, fields["window_seconds"])
}

func TestObserve_SuccessResetsCount(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)

	base := int64(1_700_000_000_000)
	for i := 0; i < 4; i++ {
		require.Nil(t, tr.Observe(authEvent("10.0.0.1", "s-1", base+int64(i)*1000)))
	}

	require.Nil(t, tr.Observe(successEvent("10.0.0.1", "s-1", base+4000)))
	assert.Zero(t, tr.IdentityCount())

	// Four more failures stay under the threshold after the reset.
	for i := 0; i < 4; i++ {
		assert.Nil(t, tr.Observe(authEvent("10.0.0.1", "s-1", base+5000+int64(i)*1000)))
	}
}

func TestObserve_WindowExpiry(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)

	base := int64(1_700_000_000_000)
	for i := 0; i < 4; i++ {
		require.Nil(t, tr.Observe(authEvent("10.0.0.1", "s-1", base+int64(i)*1000)))
	}

	// The fifth failure lands after the first four leave the window.
	hit := tr.Observe(authEvent("10.0.0.1", "s-1", base+70_000))
	assert.Nil(t, hit)
}

func TestObserve_CooldownThenRefires(t *testing.T) {
	tr := NewTracker(Config{Threshold: 3, Window: time.Hour, Cooldown: 10 * time.Second}, nil)

	base := int64(1_700_000_000_000)
	var hit *rules.Hit
	for i := 0; i < 3; i++ {
		hit = tr.Observe(authEvent("10.0.0.1", "s-1", base+int64(i)*100))
	}
	require.NotNil(t, hit)

	// Inside the cooldown: suppressed even though still over threshold.
	assert.Nil(t, tr.Observe(authEvent("10.0.0.1", "s-1", base+1000)))

	// After the cooldown the identity may fire again.
	assert.NotNil(t, tr.Observe(authEvent("10.0.0.1", "s-1", base+11_000)))
}

func TestObserve_IPAndSessionIndependent(t *testing.T) {
	tr := NewTracker(Config{Threshold: 3}, nil)

	base := int64(1_700_000_000_000)
	// Same IP, rotating sessions: only the IP identity accumulates.
	var hit *rules.Hit
	for i := 0; i < 3; i++ {
		session := fmt.Sprintf("s-%d", i)
		hit = tr.Observe(authEvent("10.0.0.9", session, base+int64(i)*1000))
	}
	require.NotNil(t, hit)

	// A different IP sharing one of those sessions starts fresh on IP but
	// inherits the session log.
	assert.Equal(t, 4, tr.IdentityCount())
}

func TestObserve_NonAuthEventIsNoOp(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)

	ev := authEvent("10.0.0.1", "s-1", 1_700_000_000_000)
	ev.EventType = "page_view"

	for i := 0; i < 20; i++ {
		assert.Nil(t, tr.Observe(ev))
	}
	assert.Zero(t, tr.IdentityCount())
}

func TestObserve_UnknownIdentitiesSkipped(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)

	ev := authEvent(event.Unknown, event.Unknown, 1_700_000_000_000)
	for i := 0; i < 10; i++ {
		assert.Nil(t, tr.Observe(ev))
	}
	assert.Zero(t, tr.IdentityCount())
}

func TestObserve_SuccessSignalVariants(t *testing.T) {
	tests := []struct {
		name  string
		body  any
		reset bool
	}{
		{"bool true", map[string]any{"success": true}, true},
		{"string true", map[string]any{"login_success": "true"}, true},
		{"numeric one", map[string]any{"authenticated": float64(1)}, true},
		{"bool false", map[string]any{"success": false}, false},
		{"no body", nil, false},
		{"unrelated body", map[string]any{"note": "hi"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(DefaultConfig(), nil)
			base := int64(1_700_000_000_000)
			tr.Observe(authEvent("10.0.0.1", "s-1", base))

			ev := authEvent("10.0.0.1", "s-1", base+1000)
			ev.Request.Body = tt.body
			tr.Observe(ev)

			if tt.reset {
				assert.Zero(t, tr.IdentityCount())
			} else {
				assert.NotZero(t, tr.IdentityCount())
			}
		})
	}
}

func TestObserve_ConcurrentSameIdentityFiresExactlyOnce(t *testing.T) {
	tr := NewTracker(Config{Threshold: 5, Window: time.Hour, Cooldown: time.Hour}, nil)

	const goroutines = 50
	base := int64(1_700_000_000_000)

	var wg sync.WaitGroup
	hits := make(chan *rules.Hit, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if hit := tr.Observe(authEvent("10.0.0.1", "s-1", base+int64(i))); hit != nil {
				hits <- hit
			}
		}(i)
	}
	wg.Wait()
	close(hits)

	count := 0
	for range hits {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestConfigWithDefaults(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	assert.Equal(t, DefaultConfig(), tr.cfg)
}
