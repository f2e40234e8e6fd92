// Package alert defines the FlareWatch domain model shared by the broadcast
// core: predictions flowing in from the model, the alerts derived from them,
// subscription tiers, and the three-level severity thresholds that both the
// decision engine and individual push connections evaluate against.
package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the urgency class assigned to a fired alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity validates and converts a severity string (any case).
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	default:
		return "", fmt.Errorf("severity %q is invalid; must be low, medium, or high", s)
	}
}

// Tier is the subscription class governing which alerts reach a user.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// ParseTier validates and converts a tier string (any case).
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(s) {
	case "FREE":
		return TierFree, nil
	case "PRO":
		return TierPro, nil
	case "ENTERPRISE":
		return TierEnterprise, nil
	default:
		return "", fmt.Errorf("tier %q is invalid; must be FREE, PRO, or ENTERPRISE", s)
	}
}

// Thresholds is the probability triple that maps a flare probability to a
// severity. The monotonicity invariant Low ≤ Medium ≤ High must hold for
// every accepted value; use Validate before storing a client-supplied triple.
type Thresholds struct {
	Low    float64 `json:"low" yaml:"low"`
	Medium float64 `json:"medium" yaml:"medium"`
	High   float64 `json:"high" yaml:"high"`
}

// DefaultThresholds returns the service-wide default triple {0.3, 0.6, 0.8}.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.3, Medium: 0.6, High: 0.8}
}

// Validate checks that each threshold lies in [0, 1] and that the triple is
// monotonically non-decreasing from Low to High.
func (t Thresholds) Validate() error {
	var errs []error
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"low", t.Low},
		{"medium", t.Medium},
		{"high", t.High},
	} {
		if p.v < 0 || p.v > 1 {
			errs = append(errs, fmt.Errorf("threshold %s %v must be in [0, 1]", p.name, p.v))
		}
	}
	if t.Low > t.Medium {
		errs = append(errs, fmt.Errorf("threshold low %v must not exceed medium %v", t.Low, t.Medium))
	}
	if t.Medium > t.High {
		errs = append(errs, fmt.Errorf("threshold medium %v must not exceed high %v", t.Medium, t.High))
	}
	return errors.Join(errs...)
}

// For returns the probability floor for the given severity.
func (t Thresholds) For(sev Severity) float64 {
	switch sev {
	case SeverityHigh:
		return t.High
	case SeverityMedium:
		return t.Medium
	default:
		return t.Low
	}
}

// Prediction is a single model output fed into the broadcast engine.
//
// RawOutput carries the model's opaque diagnostic payload; it round-trips
// without interpretation.
type Prediction struct {
	PredictionID string          `json:"prediction_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Probability  float64         `json:"probability"`
	ModelVersion string          `json:"model_version"`
	Confidence   float64         `json:"confidence"`
	RawOutput    json.RawMessage `json:"raw_output,omitempty"`
}

// Validate checks the fields a prediction must carry before it can be
// evaluated.
func (p Prediction) Validate() error {
	var errs []error
	if p.PredictionID == "" {
		errs = append(errs, errors.New("prediction_id is required"))
	}
	if p.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if p.Probability < 0 || p.Probability > 1 {
		errs = append(errs, fmt.Errorf("probability %v must be in [0, 1]", p.Probability))
	}
	return errors.Join(errs...)
}

// Alert is the severity-classified notification derived from a prediction
// that met the firing criteria.
type Alert struct {
	AlertID      string    `json:"alert_id"`
	PredictionID string    `json:"prediction_id"`
	Timestamp    time.Time `json:"timestamp"`
	Probability  float64   `json:"probability"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	ModelVersion string    `json:"model_version"`
	Confidence   float64   `json:"confidence"`
}

// New builds an Alert from a prediction and its computed severity, assigning
// a fresh alert_id and a human-readable message.
func New(p Prediction, sev Severity) Alert {
	return Alert{
		AlertID:      uuid.NewString(),
		PredictionID: p.PredictionID,
		Timestamp:    p.Timestamp,
		Probability:  p.Probability,
		Severity:     sev,
		Message:      message(p, sev),
		ModelVersion: p.ModelVersion,
		Confidence:   p.Confidence,
	}
}

// message renders the operator-facing alert text.
func message(p Prediction, sev Severity) string {
	var label string
	switch sev {
	case SeverityHigh:
		label = "High"
	case SeverityMedium:
		label = "Medium"
	default:
		label = "Low"
	}
	return fmt.Sprintf("%s solar flare risk: probability %.0f%% (model %s)",
		label, p.Probability*100, p.ModelVersion)
}
