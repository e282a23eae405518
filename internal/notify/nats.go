// Package notify publishes threat decisions to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/scoring"
)

// NATSConfig holds publisher connection settings.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// SubjectPrefix is prepended to the per-severity subject, e.g.
	// "crowsnest.alerts" publishes to crowsnest.alerts.high.
	SubjectPrefix string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration
}

// DefaultNATSConfig returns a Config with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "crowsnest",
		SubjectPrefix: "crowsnest.alerts",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// alertMessage is the published payload.
type alertMessage struct {
	Decision  *scoring.Decision `json:"decision"`
	EventType string            `json:"event_type"`
	Source    string            `json:"source"`
	ActorIP   string            `json:"actor_ip"`
	ActorUser string            `json:"actor_user"`
}

// NATSPublisher publishes decisions on per-severity subjects.
type NATSPublisher struct {
	conn *nats.Conn
	cfg  NATSConfig
}

// NewNATSPublisher connects to the broker.
func NewNATSPublisher(cfg NATSConfig, log *slog.Logger) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "crowsnest.alerts"
	}
	if log == nil {
		log = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{conn: conn, cfg: cfg}, nil
}

// Publish sends the decision to <prefix>.<severity>.
func (p *NATSPublisher) Publish(ctx context.Context, d *scoring.Decision, ev *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := alertMessage{
		Decision:  d,
		EventType: ev.EventType,
		Source:    ev.Source,
		ActorIP:   ev.Actor.IP,
		ActorUser: ev.Actor.UserID,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert message: %w", err)
	}

	subject := p.cfg.SubjectPrefix + "." + strings.ToLower(d.Severity.String())
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return err
	}
	return nil
}
