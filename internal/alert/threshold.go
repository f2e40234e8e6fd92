package alert

import "time"

// DefaultRealertInterval is the minimum spacing between two consecutive HIGH
// alerts when the severity has not otherwise changed.
const DefaultRealertInterval = time.Hour

// Evaluate maps a flare probability to a severity under the given thresholds.
// The returned bool is false when the probability is below every threshold
// and no severity applies.
//
// A probability exactly equal to a threshold fires at that severity.
func Evaluate(probability float64, t Thresholds) (Severity, bool) {
	switch {
	case probability >= t.High:
		return SeverityHigh, true
	case probability >= t.Medium:
		return SeverityMedium, true
	case probability >= t.Low:
		return SeverityLow, true
	default:
		return "", false
	}
}

// ShouldFire applies the hysteresis rules that decide whether a prediction
// becomes an alert. prev is the last prediction that fired, or nil when none
// has. Both predictions are evaluated at the default thresholds; per-client
// thresholds gate delivery only, never the decision to fire.
//
// Rules, in order:
//  1. Below every threshold: never fire.
//  2. HIGH severity fires unless the previous fired prediction was also HIGH
//     within the re-alert interval (HIGH always surfaces at least once, then
//     re-surfaces after realertInterval if persistent).
//  3. No previous prediction: fire.
//  4. Severity changed since the previous prediction: fire.
//  5. Otherwise: suppress.
func ShouldFire(current Prediction, prev *Prediction, defaults Thresholds, realertInterval time.Duration) bool {
	if realertInterval <= 0 {
		realertInterval = DefaultRealertInterval
	}

	sev, ok := Evaluate(current.Probability, defaults)
	if !ok {
		return false
	}

	if sev == SeverityHigh {
		if prev == nil {
			return true
		}
		prevSev, prevOK := Evaluate(prev.Probability, defaults)
		if !prevOK || prevSev != SeverityHigh {
			return true
		}
		return current.Timestamp.Sub(prev.Timestamp) >= realertInterval
	}

	if prev == nil {
		return true
	}
	prevSev, prevOK := Evaluate(prev.Probability, defaults)
	if !prevOK || prevSev != sev {
		return true
	}
	return false
}
