package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/rules"
	"github.com/crowsnest-security/crowsnest/internal/scoring"
)

type capturePublisher struct {
	published []*scoring.Decision
	err       error
}

func (p *capturePublisher) Publish(ctx context.Context, d *scoring.Decision, ev *event.Event) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, d)
	return nil
}

func testDecision(threatType string) *scoring.Decision {
	return &scoring.Decision{
		ID:         "d-1",
		IsThreat:   true,
		ThreatType: threatType,
		Severity:   rules.SeverityHigh,
	}
}

func threatEvent(ip string) *event.Event {
	return &event.Event{
		EventType: "http_request",
		Actor:     event.Actor{IP: ip, SessionID: "s-1", UserID: event.Unknown},
	}
}

func newTestSuppressor(t *testing.T, ttl time.Duration) (*Suppressor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSuppressor(client, ttl), mr
}

func TestSuppressor_FirstAlertPassesSecondSuppressed(t *testing.T) {
	s, _ := newTestSuppressor(t, time.Minute)

	ok, err := s.ShouldNotify(context.Background(), "SQL_INJECTION", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ShouldNotify(context.Background(), "SQL_INJECTION", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSuppressor_KeysAreIndependent(t *testing.T) {
	s, _ := newTestSuppressor(t, time.Minute)

	ok, _ := s.ShouldNotify(context.Background(), "SQL_INJECTION", "10.0.0.1")
	require.True(t, ok)

	ok, _ = s.ShouldNotify(context.Background(), "SCRIPT_INJECTION", "10.0.0.1")
	assert.True(t, ok)

	ok, _ = s.ShouldNotify(context.Background(), "SQL_INJECTION", "10.0.0.2")
	assert.True(t, ok)
}

func TestSuppressor_TTLExpiry(t *testing.T) {
	s, mr := newTestSuppressor(t, time.Minute)

	ok, _ := s.ShouldNotify(context.Background(), "SQL_INJECTION", "10.0.0.1")
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, _ = s.ShouldNotify(context.Background(), "SQL_INJECTION", "10.0.0.1")
	assert.True(t, ok)
}

func TestSuppressor_NilClientNeverSuppresses(t *testing.T) {
	var s *Suppressor
	for i := 0; i < 3; i++ {
		ok, err := s.ShouldNotify(context.Background(), "X", "id")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestSuppressor_RedisDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewSuppressor(client, time.Minute)
	mr.Close()

	ok, err := s.ShouldNotify(context.Background(), "SQL_INJECTION", "10.0.0.1")
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestNotifier_PublishesUnsuppressed(t *testing.T) {
	pub := &capturePublisher{}
	s, _ := newTestSuppressor(t, time.Minute)
	n := New(pub, s, nil)

	require.NoError(t, n.Notify(context.Background(), testDecision("SQL_INJECTION"), threatEvent("10.0.0.1")))
	require.NoError(t, n.Notify(context.Background(), testDecision("SQL_INJECTION"), threatEvent("10.0.0.1")))

	// Second notification for the same threat and actor is dropped.
	assert.Len(t, pub.published, 1)
}

func TestNotifier_NilSuppressorAlwaysPublishes(t *testing.T) {
	pub := &capturePublisher{}
	n := New(pub, nil, nil)

	require.NoError(t, n.Notify(context.Background(), testDecision("X"), threatEvent("10.0.0.1")))
	require.NoError(t, n.Notify(context.Background(), testDecision("X"), threatEvent("10.0.0.1")))
	assert.Len(t, pub.published, 2)
}

func TestNotifier_FallsBackToSessionIdentity(t *testing.T) {
	pub := &capturePublisher{}
	s, mr := newTestSuppressor(t, time.Minute)
	n := New(pub, s, nil)

	ev := threatEvent(event.Unknown)
	require.NoError(t, n.Notify(context.Background(), testDecision("X"), ev))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "s-1")
}
