package notify

import (
	"context"
	"log/slog"

	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/scoring"
)

// Publisher sends a decision to a downstream channel.
type Publisher interface {
	Publish(ctx context.Context, d *scoring.Decision, ev *event.Event) error
}

// Notifier publishes threat decisions after suppression filtering.
type Notifier struct {
	pub        Publisher
	suppressor *Suppressor
	log        *slog.Logger
}

// New builds a Notifier. suppressor may be nil.
func New(pub Publisher, suppressor *Suppressor, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{pub: pub, suppressor: suppressor, log: log}
}

// Notify publishes the decision unless an equivalent alert for the same
// actor was published recently.
func (n *Notifier) Notify(ctx context.Context, d *scoring.Decision, ev *event.Event) error {
	identity := ev.Actor.IP
	if identity == event.Unknown {
		identity = ev.Actor.SessionID
	}

	ok, err := n.suppressor.ShouldNotify(ctx, d.ThreatType, identity)
	if err != nil {
		n.log.Warn("alert suppression check failed", "error", err)
	}
	if !ok {
		n.log.Debug("alert suppressed",
			"threat_type", d.ThreatType,
			"identity", identity)
		return nil
	}

	return n.pub.Publish(ctx, d, ev)
}
