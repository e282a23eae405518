// Package storage provides persistence for decisions and raw events.
package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/rules"
	"github.com/crowsnest-security/crowsnest/internal/scoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAlertNotFound is returned when an alert does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// Alert is a persisted threat decision together with the event context
// that produced it.
type Alert struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	ThreatType  string       `json:"threat_type"`
	Severity    string       `json:"severity"`
	Confidence  string       `json:"confidence"`
	Explanation string       `json:"explanation"`
	RuleHits    []rules.Hit  `json:"rule_hits"`
	EventType   string       `json:"event_type"`
	Source      string       `json:"source"`
	ActorIP     string       `json:"actor_ip"`
	ActorUser   string       `json:"actor_user"`
	Event       *event.Event `json:"event,omitempty"`
}

// PostgresStore implements the pipeline AlertStore using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies embedded schema migrations.
func Migrate(connString string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// StoreAlert persists a threat decision.
func (s *PostgresStore) StoreAlert(ctx context.Context, d *scoring.Decision, ev *event.Event, hits []rules.Hit) error {
	hitsJSON, err := json.Marshal(hits)
	if err != nil {
		return fmt.Errorf("failed to marshal rule hits: %w", err)
	}
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `
		INSERT INTO alerts (id, created_at, threat_type, severity, confidence, explanation,
			rule_hits, event_type, source, actor_ip, actor_user, event)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.pool.Exec(ctx, query,
		d.ID, time.UnixMilli(d.Timestamp).UTC(), d.ThreatType, d.Severity.String(),
		d.Confidence.String(), d.Explanation, hitsJSON,
		ev.EventType, ev.Source, ev.Actor.IP, ev.Actor.UserID, eventJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}

	return nil
}

// GetAlertByID retrieves a single alert.
func (s *PostgresStore) GetAlertByID(ctx context.Context, id string) (*Alert, error) {
	query := `
		SELECT id, created_at, threat_type, severity, confidence, explanation,
			rule_hits, event_type, source, actor_ip, actor_user, event
		FROM alerts
		WHERE id = $1
	`

	a := &Alert{}
	var hitsJSON, eventJSON []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.CreatedAt, &a.ThreatType, &a.Severity, &a.Confidence,
		&a.Explanation, &hitsJSON, &a.EventType, &a.Source,
		&a.ActorIP, &a.ActorUser, &eventJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	if err := json.Unmarshal(hitsJSON, &a.RuleHits); err != nil {
		return nil, fmt.Errorf("failed to decode rule hits: %w", err)
	}
	if len(eventJSON) > 0 {
		if err := json.Unmarshal(eventJSON, &a.Event); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
	}

	return a, nil
}

// ListAlerts retrieves recent alerts, optionally filtered by severity,
// newest first.
func (s *PostgresStore) ListAlerts(ctx context.Context, severity string, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	whereClause := ""
	args := []interface{}{limit}
	if severity != "" {
		whereClause = "WHERE severity = $2"
		args = append(args, severity)
	}

	query := fmt.Sprintf(`
		SELECT id, created_at, threat_type, severity, confidence, explanation,
			rule_hits, event_type, source, actor_ip, actor_user
		FROM alerts
		%s
		ORDER BY created_at DESC
		LIMIT $1
	`, whereClause)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*Alert{}
	for rows.Next() {
		a := &Alert{}
		var hitsJSON []byte
		if err := rows.Scan(
			&a.ID, &a.CreatedAt, &a.ThreatType, &a.Severity, &a.Confidence,
			&a.Explanation, &hitsJSON, &a.EventType, &a.Source,
			&a.ActorIP, &a.ActorUser,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if err := json.Unmarshal(hitsJSON, &a.RuleHits); err != nil {
			return nil, fmt.Errorf("failed to decode rule hits: %w", err)
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return alerts, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
