// Package webhook delivers fired alerts to subscribed HTTPS endpoints. Each
// dispatch fans out over the subscription list with a bounded worker pool;
// a slow or failing endpoint consumes one worker slot for at most the
// per-request timeout and never delays the other deliveries.
//
// There are no retries. A failed POST is recorded in the dispatch report
// and the endpoint sees the next alert normally.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flarewatch/server/internal/alert"
	"github.com/flarewatch/server/internal/storage"
	"github.com/flarewatch/server/internal/wire"
)

const (
	// DefaultTimeout bounds each webhook POST.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxConcurrency caps in-flight POSTs per dispatch.
	DefaultMaxConcurrency = 32
)

// SubscriptionSource supplies the subscription list for a dispatch. It is
// satisfied by storage.Repository.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context) ([]storage.WebhookSubscription, error)
}

// Report records the outcome of one delivery attempt.
type Report struct {
	UserID     string `json:"user_id"`
	URL        string `json:"url"`
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher posts alert payloads to subscribed endpoints. It is safe for
// concurrent use.
type Dispatcher struct {
	source         SubscriptionSource
	client         *http.Client
	timeout        time.Duration
	maxConcurrency int
	logger         *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithTimeout sets the per-request timeout (≤ 0 uses DefaultTimeout).
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithMaxConcurrency sets the worker bound (≤ 0 uses DefaultMaxConcurrency).
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrency = n
		}
	}
}

// NewDispatcher creates a Dispatcher over the given subscription source.
func NewDispatcher(logger *slog.Logger, source SubscriptionSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:         source,
		client:         &http.Client{},
		timeout:        DefaultTimeout,
		maxConcurrency: DefaultMaxConcurrency,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TierAccepts reports whether a subscription tier receives webhook delivery
// for the given severity: FREE never, PRO only HIGH, ENTERPRISE everything.
func TierAccepts(tier alert.Tier, sev alert.Severity) bool {
	switch tier {
	case alert.TierEnterprise:
		return true
	case alert.TierPro:
		return sev == alert.SeverityHigh
	default:
		return false
	}
}

// Dispatch posts a to every subscription whose tier admits its severity and
// returns one Report per attempted delivery. The subscription list is read
// once at the start; an error there aborts the whole dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, a alert.Alert) ([]Report, error) {
	subs, err := d.source.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("webhook: list subscriptions: %w", err)
	}

	payload, err := wire.EncodeAlert(a)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode alert %s: %w", a.AlertID, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []Report
	)
	sem := make(chan struct{}, d.maxConcurrency)

	for _, sub := range subs {
		if !TierAccepts(sub.Tier, a.Severity) {
			continue
		}
		sub := sub
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			rep := d.post(ctx, sub, payload)
			mu.Lock()
			reports = append(reports, rep)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, rep := range reports {
		if !rep.Delivered {
			d.logger.Warn("webhook: delivery failed",
				slog.String("alert_id", a.AlertID),
				slog.String("user_id", rep.UserID),
				slog.String("error", rep.Error),
			)
		}
	}
	return reports, nil
}

// post performs one delivery attempt under the per-request timeout.
func (d *Dispatcher) post(ctx context.Context, sub storage.WebhookSubscription, payload []byte) Report {
	rep := Report{UserID: sub.UserID, URL: sub.WebhookURL}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flarewatch-webhook/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	defer resp.Body.Close()

	rep.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rep.Delivered = true
	} else {
		rep.Error = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	}
	return rep
}
