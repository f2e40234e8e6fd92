package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flarewatch/server/internal/alert"
	"github.com/flarewatch/server/internal/storage"
)

func newSQLite(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testAlert(probability float64, sev alert.Severity, ts time.Time) alert.Alert {
	return alert.Alert{
		AlertID:      uuid.NewString(),
		PredictionID: uuid.NewString(),
		Timestamp:    ts,
		Probability:  probability,
		Severity:     sev,
		Message:      "test alert",
		ModelVersion: "v1.0",
		Confidence:   0.9,
	}
}

// TestSQLiteAppendAndRecentAlerts verifies alert history round-trips and is
// returned newest first.
func TestSQLiteAppendAndRecentAlerts(t *testing.T) {
	t.Parallel()

	s := newSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	older := testAlert(0.85, alert.SeverityHigh, base)
	newer := testAlert(0.65, alert.SeverityMedium, base.Add(time.Minute))
	for _, a := range []alert.Alert{older, newer} {
		if err := s.AppendAlert(ctx, a); err != nil {
			t.Fatalf("AppendAlert: %v", err)
		}
	}

	alerts, err := s.RecentAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("RecentAlerts returned %d rows, want 2", len(alerts))
	}
	if alerts[0].AlertID != newer.AlertID {
		t.Errorf("first row = %s, want the newest alert %s", alerts[0].AlertID, newer.AlertID)
	}
	got := alerts[0]
	if got.Severity != alert.SeverityMedium || got.Probability != 0.65 {
		t.Errorf("row = %+v, fields did not round-trip", got)
	}
	if !got.Timestamp.Equal(newer.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, newer.Timestamp)
	}
}

// TestSQLiteAppendAlertIdempotent verifies that replaying an alert_id does
// not duplicate history.
func TestSQLiteAppendAlertIdempotent(t *testing.T) {
	t.Parallel()

	s := newSQLite(t)
	ctx := context.Background()

	a := testAlert(0.9, alert.SeverityHigh, time.Now().UTC())
	if err := s.AppendAlert(ctx, a); err != nil {
		t.Fatalf("AppendAlert: %v", err)
	}
	if err := s.AppendAlert(ctx, a); err != nil {
		t.Fatalf("AppendAlert replay: %v", err)
	}

	alerts, err := s.RecentAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("RecentAlerts returned %d rows after replay, want 1", len(alerts))
	}
}

// TestSQLiteRecentAlertsLimit verifies the default and explicit limits.
func TestSQLiteRecentAlertsLimit(t *testing.T) {
	t.Parallel()

	s := newSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		if err := s.AppendAlert(ctx, testAlert(0.9, alert.SeverityHigh, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("AppendAlert: %v", err)
		}
	}

	alerts, err := s.RecentAlerts(ctx, 3)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 3 {
		t.Errorf("RecentAlerts(3) returned %d rows, want 3", len(alerts))
	}
}

// TestSQLiteSubscriptionCRUD verifies the webhook subscription lifecycle.
func TestSQLiteSubscriptionCRUD(t *testing.T) {
	t.Parallel()

	s := newSQLite(t)
	ctx := context.Background()

	sub := storage.WebhookSubscription{
		UserID:     "user-1",
		Tier:       alert.TierPro,
		WebhookURL: "https://hooks.example.com/user-1",
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}

	got, err := s.GetSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got == nil || got.Tier != alert.TierPro || got.WebhookURL != sub.WebhookURL {
		t.Errorf("GetSubscription = %+v, want %+v", got, sub)
	}

	// Upsert replaces mutable fields.
	sub.Tier = alert.TierEnterprise
	sub.WebhookURL = "https://hooks.example.com/user-1/v2"
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription replace: %v", err)
	}
	got, err = s.GetSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Tier != alert.TierEnterprise || got.WebhookURL != sub.WebhookURL {
		t.Errorf("after upsert: %+v", got)
	}

	subs, err := s.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("ListSubscriptions returned %d rows, want 1", len(subs))
	}

	if err := s.DeleteSubscription(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	got, err = s.GetSubscription(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetSubscription after delete: %v", err)
	}
	if got != nil {
		t.Errorf("GetSubscription after delete = %+v, want nil", got)
	}

	// Deleting a missing subscription is a no-op.
	if err := s.DeleteSubscription(ctx, "user-1"); err != nil {
		t.Errorf("DeleteSubscription on missing row: %v", err)
	}
}
