package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/flarewatch/server/internal/alert"
)

// SQLiteStore is a WAL-mode SQLite-backed Repository implementation for
// single-node deployments and tests. It is safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// ddl is the schema DDL, kept here so the store is self-contained: SQLite
// installs have no external migration step.
const ddl = `
CREATE TABLE IF NOT EXISTS alerts (
    alert_id      TEXT PRIMARY KEY,
    prediction_id TEXT NOT NULL,
    timestamp     TEXT NOT NULL,
    probability   REAL NOT NULL,
    severity      TEXT NOT NULL,
    message       TEXT NOT NULL,
    model_version TEXT NOT NULL DEFAULT '',
    confidence    REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts (timestamp DESC);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    user_id     TEXT PRIMARY KEY,
    tier        TEXT NOT NULL,
    webhook_url TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
`

// NewSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data on Close.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection serialises writes and avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// AppendAlert inserts a into the alerts history table. Replayed alert_ids
// are ignored.
func (s *SQLiteStore) AppendAlert(ctx context.Context, a alert.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts
			(alert_id, prediction_id, timestamp, probability, severity, message, model_version, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID, a.PredictionID,
		a.Timestamp.UTC().Format(time.RFC3339Nano),
		a.Probability, string(a.Severity), a.Message,
		a.ModelVersion, a.Confidence,
	)
	if err != nil {
		return fmt.Errorf("storage: append alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts ordered by timestamp descending.
// limit defaults to 100 when ≤ 0.
func (s *SQLiteStore) RecentAlerts(ctx context.Context, limit int) ([]alert.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, prediction_id, timestamp, probability, severity, message, model_version, confidence
		FROM   alerts
		ORDER  BY timestamp DESC, alert_id
		LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent alerts: %w", err)
	}
	defer rows.Close()

	var alerts []alert.Alert
	for rows.Next() {
		var a alert.Alert
		var ts, severity string
		err := rows.Scan(
			&a.AlertID, &a.PredictionID, &ts,
			&a.Probability, &severity, &a.Message,
			&a.ModelVersion, &a.Confidence,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		a.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			a.Timestamp, _ = time.Parse(time.RFC3339, ts)
		}
		a.Severity = alert.Severity(severity)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// UpsertSubscription inserts a subscription or replaces the tier and webhook
// URL on user_id conflict.
func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub WebhookSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (user_id, tier, webhook_url, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			tier        = excluded.tier,
			webhook_url = excluded.webhook_url`,
		sub.UserID, string(sub.Tier), sub.WebhookURL,
		sub.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert subscription %s: %w", sub.UserID, err)
	}
	return nil
}

// GetSubscription returns userID's subscription, or (nil, nil) when none
// exists.
func (s *SQLiteStore) GetSubscription(ctx context.Context, userID string) (*WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, tier, webhook_url, created_at
		FROM   webhook_subscriptions
		WHERE  user_id = ?`, userID)

	sub, err := scanSQLiteSubscription(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get subscription %s: %w", userID, err)
	}
	return sub, nil
}

// ListSubscriptions returns every subscription ordered by user_id.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context) ([]WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, tier, webhook_url, created_at
		FROM   webhook_subscriptions
		ORDER  BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []WebhookSubscription
	for rows.Next() {
		sub, err := scanSQLiteSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes userID's subscription.
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("storage: delete subscription %s: %w", userID, err)
	}
	return nil
}

// scanSQLiteSubscription reads one webhook_subscriptions row via scan,
// parsing the stored RFC3339Nano created_at text.
func scanSQLiteSubscription(scan func(dest ...any) error) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	var tier, createdAt string
	if err := scan(&sub.UserID, &tier, &sub.WebhookURL, &createdAt); err != nil {
		return nil, err
	}
	sub.Tier = alert.Tier(tier)
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &sub, nil
}
