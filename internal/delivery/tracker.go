// Package delivery records which recipients each fired alert targeted and
// which of those were actually reached. Records expire after a retention
// window so the tracker's memory stays bounded by recent alert volume.
package delivery

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultRecordTTL is the retention window used when none is configured.
const DefaultRecordTTL = 24 * time.Hour

// Status is a point-in-time view of one alert's delivery record. Rate is the
// delivered fraction in [0, 1]; an alert with no targets reports 1.
type Status struct {
	AlertID   string    `json:"alert_id"`
	Targets   []string  `json:"targets"`
	Delivered []string  `json:"delivered"`
	Pending   []string  `json:"pending"`
	Rate      float64   `json:"rate"`
	CreatedAt time.Time `json:"created_at"`
}

// Complete reports whether every target has confirmed delivery.
func (s Status) Complete() bool {
	return len(s.Delivered) == len(s.Targets)
}

// record is the mutable tracker entry behind a Status.
type record struct {
	targets   map[string]bool
	delivered map[string]bool
	createdAt time.Time
}

// Tracker is the in-memory delivery ledger. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record

	ttl    time.Duration
	logger *slog.Logger
}

// NewTracker creates a Tracker. ttl bounds record retention (0 uses
// DefaultRecordTTL).
func NewTracker(logger *slog.Logger, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &Tracker{
		records: make(map[string]*record),
		ttl:     ttl,
		logger:  logger,
	}
}

// Track opens a delivery record for alertID covering the given targets.
// Tracking the same alert again merges the target sets.
func (t *Tracker) Track(alertID string, targets []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[alertID]
	if rec == nil {
		rec = &record{
			targets:   make(map[string]bool),
			delivered: make(map[string]bool),
			createdAt: time.Now(),
		}
		t.records[alertID] = rec
	}
	for _, target := range targets {
		rec.targets[target] = true
	}
}

// Confirm marks target as having received alertID. A confirmation is only
// accepted for a tracked target of a known alert, so the delivered set is
// always a subset of the target set.
func (t *Tracker) Confirm(alertID, target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[alertID]
	if rec == nil || !rec.targets[target] {
		return false
	}
	rec.delivered[target] = true
	return true
}

// Status returns the delivery record for alertID. The returned slices are
// sorted copies.
func (t *Tracker) Status(alertID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[alertID]
	if rec == nil {
		return Status{}, false
	}

	pending := make(map[string]bool, len(rec.targets))
	for target := range rec.targets {
		if !rec.delivered[target] {
			pending[target] = true
		}
	}
	rate := 1.0
	if len(rec.targets) > 0 {
		rate = float64(len(rec.delivered)) / float64(len(rec.targets))
	}
	return Status{
		AlertID:   alertID,
		Targets:   sortedKeys(rec.targets),
		Delivered: sortedKeys(rec.delivered),
		Pending:   sortedKeys(pending),
		Rate:      rate,
		CreatedAt: rec.createdAt,
	}, true
}

// Count returns the number of live delivery records.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Sweep drops every record created before now minus the retention window
// and returns the number dropped.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for id, rec := range t.records {
		if rec.createdAt.Before(cutoff) {
			delete(t.records, id)
			dropped++
		}
	}
	if dropped > 0 {
		t.logger.Info("delivery: expired records swept", slog.Int("dropped", dropped))
	}
	return dropped
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
