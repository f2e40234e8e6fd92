package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flarewatch/server/internal/alert"
)

// PostgresStore is the pgxpool-backed Repository implementation. The schema
// is applied out of band via the files in db/migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresStore)(nil)

// NewPostgres opens a pgxpool connection to connStr and pings the database.
func NewPostgres(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// AppendAlert inserts a into the alerts history table. Rows that conflict on
// alert_id are silently ignored (idempotent replay support).
func (s *PostgresStore) AppendAlert(ctx context.Context, a alert.Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts
			(alert_id, prediction_id, timestamp, probability, severity, message, model_version, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		a.AlertID, a.PredictionID, a.Timestamp,
		a.Probability, string(a.Severity), a.Message,
		a.ModelVersion, a.Confidence,
	)
	if err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts ordered by timestamp descending.
// limit defaults to 100 when ≤ 0.
func (s *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]alert.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT alert_id, prediction_id, timestamp, probability, severity, message, model_version, confidence
		FROM   alerts
		ORDER  BY timestamp DESC, alert_id
		LIMIT  $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	defer rows.Close()

	var alerts []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// UpsertSubscription inserts a subscription or, on user_id conflict, updates
// the tier and webhook URL.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub WebhookSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions (user_id, tier, webhook_url, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			tier        = EXCLUDED.tier,
			webhook_url = EXCLUDED.webhook_url`,
		sub.UserID, string(sub.Tier), sub.WebhookURL, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.UserID, err)
	}
	return nil
}

// GetSubscription returns userID's subscription, or (nil, nil) when none
// exists.
func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*WebhookSubscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, tier, webhook_url, created_at
		FROM   webhook_subscriptions
		WHERE  user_id = $1`, userID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", userID, err)
	}
	return sub, nil
}

// ListSubscriptions returns every subscription ordered by user_id.
func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, tier, webhook_url, created_at
		FROM   webhook_subscriptions
		ORDER  BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes userID's subscription.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", userID, err)
	}
	return nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanAlert reads one alerts row from s.
func scanAlert(s scanner) (*alert.Alert, error) {
	var a alert.Alert
	var severity string
	err := s.Scan(
		&a.AlertID, &a.PredictionID, &a.Timestamp,
		&a.Probability, &severity, &a.Message,
		&a.ModelVersion, &a.Confidence,
	)
	if err != nil {
		return nil, err
	}
	a.Severity = alert.Severity(severity)
	return &a, nil
}

// scanSubscription reads one webhook_subscriptions row from s.
func scanSubscription(s scanner) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	var tier string
	if err := s.Scan(&sub.UserID, &tier, &sub.WebhookURL, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.Tier = alert.Tier(tier)
	return &sub, nil
}
