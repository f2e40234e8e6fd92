// Package broadcast implements the FlareWatch alert pipeline. The Engine
// takes each incoming prediction through the firing decision, and for every
// fired alert persists it, fans it out to eligible push connections, queues
// it for offline users, and hands it to the webhook dispatcher.
//
// Failures are isolated per stage: a storage error, a full client buffer,
// or a dead webhook endpoint is recorded in the BroadcastResult and never
// stops the remaining deliveries.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flarewatch/server/internal/alert"
	"github.com/flarewatch/server/internal/delivery"
	"github.com/flarewatch/server/internal/queue"
	"github.com/flarewatch/server/internal/registry"
	"github.com/flarewatch/server/internal/storage"
	"github.com/flarewatch/server/internal/webhook"
	"github.com/flarewatch/server/internal/wire"
)

// Repository is the subset of the storage layer used by the Engine.
// Declaring a local interface makes the engine trivially testable with a
// stub.
type Repository interface {
	AppendAlert(ctx context.Context, a alert.Alert) error
}

// Dispatcher is the subset of the webhook dispatcher used by the Engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, a alert.Alert) ([]webhook.Report, error)
}

// SubscriptionSource lists webhook subscriptions, used to queue alerts for
// known users who are fully offline.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context) ([]storage.WebhookSubscription, error)
}

// BroadcastResult reports what happened to one prediction.
type BroadcastResult struct {
	PredictionID string           `json:"prediction_id"`
	Fired        bool             `json:"fired"`
	Reason       string           `json:"reason,omitempty"` // set when not fired
	Alert        *alert.Alert     `json:"alert,omitempty"`
	Delivered    []string         `json:"delivered,omitempty"`      // connection IDs
	SendFailed   []string         `json:"send_failed,omitempty"`    // connection IDs
	Enqueued     []string         `json:"enqueued_users,omitempty"` // user IDs
	Webhooks     []webhook.Report `json:"webhooks,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
}

// Engine drives the alert pipeline. It is safe for concurrent use; the
// firing decision serialises through an internal mutex so hysteresis state
// is consistent even with concurrent ingestion.
type Engine struct {
	mu        sync.Mutex
	lastFired *alert.Prediction

	reg        *registry.Registry
	queue      *queue.Queue
	tracker    *delivery.Tracker
	repo       Repository
	dispatcher Dispatcher
	subs       SubscriptionSource

	defaults        alert.Thresholds
	realertInterval time.Duration
	logger          *slog.Logger
}

// NewEngine creates an Engine. repo, dispatcher, and subs may be nil, in
// which case the corresponding stage is skipped.
func NewEngine(
	logger *slog.Logger,
	reg *registry.Registry,
	q *queue.Queue,
	tracker *delivery.Tracker,
	repo Repository,
	dispatcher Dispatcher,
	subs SubscriptionSource,
	defaults alert.Thresholds,
	realertInterval time.Duration,
) *Engine {
	if realertInterval <= 0 {
		realertInterval = alert.DefaultRealertInterval
	}
	return &Engine{
		reg:             reg,
		queue:           q,
		tracker:         tracker,
		repo:            repo,
		dispatcher:      dispatcher,
		subs:            subs,
		defaults:        defaults,
		realertInterval: realertInterval,
		logger:          logger,
	}
}

// ProcessPrediction runs one prediction through the pipeline. An invalid
// prediction is the only hard error; every downstream failure is recorded
// in the result instead.
func (e *Engine) ProcessPrediction(ctx context.Context, p alert.Prediction) (BroadcastResult, error) {
	res := BroadcastResult{PredictionID: p.PredictionID}

	if err := p.Validate(); err != nil {
		return res, fmt.Errorf("broadcast: invalid prediction: %w", err)
	}

	sev, fired := e.decide(p)
	if !fired {
		res.Reason = "threshold_not_met_or_suppressed"
		e.logger.Debug("prediction suppressed",
			slog.String("prediction_id", p.PredictionID),
			slog.Float64("probability", p.Probability),
		)
		return res, nil
	}

	a := alert.New(p, sev)
	res.Fired = true
	res.Alert = &a

	if e.repo != nil {
		if err := e.repo.AppendAlert(ctx, a); err != nil {
			e.logger.Error("alert history append failed",
				slog.String("alert_id", a.AlertID),
				slog.Any("error", err),
			)
			res.Errors = append(res.Errors, fmt.Sprintf("history: %v", err))
		}
	}

	frame, err := wire.EncodeAlert(a)
	if err != nil {
		// Alert fields are all plain scalars; this cannot happen in practice.
		res.Errors = append(res.Errors, fmt.Sprintf("encode: %v", err))
		return res, nil
	}

	// Delivery is tracked per user: the users behind the connections we
	// attempted, plus the webhook users the dispatcher reached for.
	targetUsers := make(map[string]bool)
	deliveredUsers := make(map[string]bool)

	e.fanOut(a, frame, &res, targetUsers, deliveredUsers)
	e.enqueueOffline(ctx, a, frame, &res)

	if e.dispatcher != nil {
		reports, err := e.dispatcher.Dispatch(ctx, a)
		if err != nil {
			e.logger.Error("webhook dispatch failed",
				slog.String("alert_id", a.AlertID),
				slog.Any("error", err),
			)
			res.Errors = append(res.Errors, fmt.Sprintf("webhooks: %v", err))
		}
		res.Webhooks = reports
		for _, rep := range reports {
			targetUsers[rep.UserID] = true
			if rep.Delivered {
				deliveredUsers[rep.UserID] = true
			}
		}
	}

	if e.tracker != nil && len(targetUsers) > 0 {
		users := make([]string, 0, len(targetUsers))
		for u := range targetUsers {
			users = append(users, u)
		}
		e.tracker.Track(a.AlertID, users)
		for u := range deliveredUsers {
			e.tracker.Confirm(a.AlertID, u)
		}
	}

	e.logger.Info("alert broadcast",
		slog.String("alert_id", a.AlertID),
		slog.String("severity", string(a.Severity)),
		slog.Float64("probability", a.Probability),
		slog.Int("delivered", len(res.Delivered)),
		slog.Int("enqueued", len(res.Enqueued)),
		slog.Int("webhooks", len(res.Webhooks)),
	)
	return res, nil
}

// decide applies the hysteresis rules under the engine lock, advancing the
// last-fired marker only when the prediction fires.
func (e *Engine) decide(p alert.Prediction) (alert.Severity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sev, ok := alert.Evaluate(p.Probability, e.defaults)
	if !ok {
		return "", false
	}
	if !alert.ShouldFire(p, e.lastFired, e.defaults, e.realertInterval) {
		return sev, false
	}
	fired := p
	e.lastFired = &fired
	return sev, true
}

// fanOut pushes the frame to every eligible live connection. A failed send
// marks the connection dead and removes it; if it was authenticated the
// frame falls through to the user's offline queue so the alert is not lost
// with the doomed connection.
func (e *Engine) fanOut(a alert.Alert, frame []byte, res *BroadcastResult, targetUsers, deliveredUsers map[string]bool) {
	for _, c := range e.reg.Conns() {
		if !c.Eligible(a.Severity, a.Probability) {
			continue
		}
		user := c.UserID()
		if user != "" {
			targetUsers[user] = true
		}
		if c.TrySend(frame) {
			res.Delivered = append(res.Delivered, c.ID())
			if user != "" {
				deliveredUsers[user] = true
			}
			continue
		}
		res.SendFailed = append(res.SendFailed, c.ID())
		e.logger.Warn("alert send failed, removing connection",
			slog.String("alert_id", a.AlertID),
			slog.String("connection_id", c.ID()),
		)
		if user != "" && e.queue != nil {
			e.queue.Enqueue(user, frame)
			res.Enqueued = appendUnique(res.Enqueued, user)
		}
		e.reg.Remove(c.ID())
	}
}

// enqueueOffline queues the frame for every known webhook user whose tier
// admits the alert but who has no live authenticated connection, so the
// alert is waiting when they reconnect.
func (e *Engine) enqueueOffline(ctx context.Context, a alert.Alert, frame []byte, res *BroadcastResult) {
	if e.subs == nil || e.queue == nil {
		return
	}
	subs, err := e.subs.ListSubscriptions(ctx)
	if err != nil {
		e.logger.Error("offline enqueue: list subscriptions failed",
			slog.String("alert_id", a.AlertID),
			slog.Any("error", err),
		)
		res.Errors = append(res.Errors, fmt.Sprintf("offline: %v", err))
		return
	}
	for _, sub := range subs {
		if !tierAdmits(sub.Tier, a.Severity) {
			continue
		}
		if e.reg.HasUser(sub.UserID) {
			continue
		}
		e.queue.Enqueue(sub.UserID, frame)
		res.Enqueued = appendUnique(res.Enqueued, sub.UserID)
	}
}

// tierAdmits is the push-delivery tier rule at default thresholds: FREE
// receives only HIGH, paid tiers receive everything that fired.
func tierAdmits(tier alert.Tier, sev alert.Severity) bool {
	if tier == alert.TierFree {
		return sev == alert.SeverityHigh
	}
	return true
}

// RunCleanup ticks the delivery-record and offline-queue sweeps until ctx
// is cancelled.
func (e *Engine) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if e.tracker != nil {
				e.tracker.Sweep(now)
			}
			if e.queue != nil {
				e.queue.Sweep(now)
			}
		}
	}
}

// LastFired returns a copy of the most recent fired prediction, or nil when
// none has fired yet.
func (e *Engine) LastFired() *alert.Prediction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastFired == nil {
		return nil
	}
	p := *e.lastFired
	return &p
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Compile-time checks that the concrete collaborators satisfy the local
// interfaces.
var (
	_ Dispatcher         = (*webhook.Dispatcher)(nil)
	_ Repository         = (storage.Repository)(nil)
	_ SubscriptionSource = (storage.Repository)(nil)
)
