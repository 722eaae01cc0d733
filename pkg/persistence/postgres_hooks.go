// Package persistence journals lease transitions to Postgres.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"marblerun/pkg/lease"
	"marblerun/pkg/logging"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const schema = `
        CREATE TABLE IF NOT EXISTS lease_events (
            id BIGSERIAL PRIMARY KEY,
            lease_id TEXT NOT NULL,
            queue TEXT NOT NULL,
            node TEXT NOT NULL,
            event TEXT NOT NULL,
            item TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );
        CREATE INDEX IF NOT EXISTS lease_events_lease_id_idx ON lease_events(lease_id);
        CREATE INDEX IF NOT EXISTS lease_events_queue_idx ON lease_events(queue);
        CREATE INDEX IF NOT EXISTS lease_events_created_at_idx ON lease_events(created_at);
    `

// Lease event names as stored in the event column.
const (
	EventClaimed   = "claimed"
	EventCompleted = "completed"
	EventRecovered = "recovered"
)

// PostgresHooks persists lease lifecycle events into the lease_events
// table. It implements lease.Hooks; writes are best-effort.
type PostgresHooks struct {
	DB *sql.DB
}

var _ lease.Hooks = (*PostgresHooks)(nil)

func NewPostgresHooks(ctx context.Context, connString string) (*PostgresHooks, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: create schema: %w", err)
	}
	return &PostgresHooks{DB: db}, nil
}

func (p *PostgresHooks) OnClaim(ctx context.Context, l *lease.Lease) {
	p.insert(ctx, l.Descriptor, EventClaimed, l.Item)
}

func (p *PostgresHooks) OnComplete(ctx context.Context, d lease.Descriptor) {
	p.insert(ctx, d, EventCompleted, "")
}

func (p *PostgresHooks) OnRecover(ctx context.Context, d lease.Descriptor, item string) {
	p.insert(ctx, d, EventRecovered, item)
}

// Event is one journal row.
type Event struct {
	LeaseID   string    `json:"lease_id"`
	Queue     string    `json:"queue"`
	Node      string    `json:"node"`
	Event     string    `json:"event"`
	Item      string    `json:"item,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// History returns the events recorded for a lease, oldest first.
func (p *PostgresHooks) History(ctx context.Context, leaseID string) ([]Event, error) {
	rows, err := p.DB.QueryContext(ctx, `
        SELECT lease_id, queue, node, event, COALESCE(item, ''), created_at
        FROM lease_events WHERE lease_id = $1 ORDER BY id
    `, leaseID)
	if err != nil {
		return nil, fmt.Errorf("persistence: history %s: %w", leaseID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.LeaseID, &e.Queue, &e.Node, &e.Event, &e.Item, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *PostgresHooks) Close() error {
	if p == nil || p.DB == nil {
		return nil
	}
	return p.DB.Close()
}

func (p *PostgresHooks) insert(ctx context.Context, d lease.Descriptor, event, item string) {
	if p == nil || p.DB == nil {
		return
	}
	_, err := p.DB.ExecContext(ctx, `
        INSERT INTO lease_events (lease_id, queue, node, event, item, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, d.ID, d.Public, d.Node, event, item, time.Now())
	if err != nil {
		logging.Named("persistence").Debug("lease event not journaled",
			zap.String("lease_id", d.ID), zap.String("event", event), zap.Error(err))
	}
}
