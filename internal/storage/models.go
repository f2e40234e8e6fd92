// Package storage provides the persistence layer for the FlareWatch server:
// fired-alert history and webhook subscriptions. Two implementations exist,
// a pgxpool-backed PostgresStore for deployments and a WAL-mode SQLiteStore
// for single-node installs and tests; both satisfy Repository.
package storage

import (
	"context"
	"time"

	"github.com/flarewatch/server/internal/alert"
)

// WebhookSubscription maps a user to the HTTPS endpoint that receives their
// webhook deliveries, together with the tier that gates which severities are
// sent.
type WebhookSubscription struct {
	UserID     string     `json:"user_id"`
	Tier       alert.Tier `json:"tier"`
	WebhookURL string     `json:"webhook_url"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Repository is the storage surface the server wires at startup. All
// operations are safe for concurrent use.
type Repository interface {
	// AppendAlert records a fired alert in the history table. Replaying the
	// same alert_id is a no-op.
	AppendAlert(ctx context.Context, a alert.Alert) error

	// RecentAlerts returns up to limit alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]alert.Alert, error)

	// UpsertSubscription inserts or replaces a user's webhook subscription.
	UpsertSubscription(ctx context.Context, sub WebhookSubscription) error

	// GetSubscription returns the subscription for userID, or (nil, nil)
	// when none exists.
	GetSubscription(ctx context.Context, userID string) (*WebhookSubscription, error)

	// ListSubscriptions returns every webhook subscription.
	ListSubscriptions(ctx context.Context) ([]WebhookSubscription, error)

	// DeleteSubscription removes userID's subscription. Deleting a missing
	// subscription is a no-op.
	DeleteSubscription(ctx context.Context, userID string) error

	// Close releases the underlying connections.
	Close()
}
