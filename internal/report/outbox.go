package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clalos/hive-traffic-counter/internal/tracking"
)

// Envelope is one aggregate on its way to the collector.
type Envelope struct {
	ID        string
	Aggregate tracking.Aggregate
	CreatedAt time.Time
	Attempts  int
}

// Outbox persists aggregates that could not be delivered.
type Outbox struct {
	db *sql.DB
}

// OpenOutbox opens or creates the sqlite database at path.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	// One connection keeps writes serialized without SQLITE_BUSY juggling.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		CREATE TABLE IF NOT EXISTS pending_reports (
			id          TEXT PRIMARY KEY,
			payload     TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_pending_reports_created ON pending_reports(created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Save stores env, replacing any earlier copy with the same ID.
func (o *Outbox) Save(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env.Aggregate)
	if err != nil {
		return fmt.Errorf("failed to encode aggregate: %w", err)
	}
	_, err = o.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_reports (id, payload, created_at, attempts) VALUES (?, ?, ?, ?)`,
		env.ID, string(payload), env.CreatedAt.UnixNano(), env.Attempts)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", env.ID, err)
	}
	return nil
}

// Pending returns up to limit stored envelopes, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Envelope, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, payload, created_at, attempts FROM pending_reports ORDER BY created_at, rowid LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reports: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			env     Envelope
			payload string
			created int64
		)
		if err := rows.Scan(&env.ID, &payload, &created, &env.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan pending report: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &env.Aggregate); err != nil {
			return nil, fmt.Errorf("failed to decode pending report %s: %w", env.ID, err)
		}
		env.CreatedAt = time.Unix(0, created)
		out = append(out, env)
	}
	return out, rows.Err()
}

// MarkAttempt bumps the attempt counter of a stored envelope.
func (o *Outbox) MarkAttempt(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx, `UPDATE pending_reports SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to update report %s: %w", id, err)
	}
	return nil
}

// Delete removes a delivered envelope.
func (o *Outbox) Delete(ctx context.Context, id string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM pending_reports WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete report %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored envelopes.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending reports: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}
