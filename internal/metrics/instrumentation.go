package metrics

import (
	"time"
)

// MeasureEvaluate wraps a gate evaluation with timing instrumentation.
// Usage:
//
//	defer metrics.MeasureEvaluate(m, "single")()
//
// Or with explicit start time:
//
//	start := time.Now()
//	// ... evaluate ...
//	metrics.RecordEvaluate(m, "single", time.Since(start))
func MeasureEvaluate(m *Metrics, mode string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveEvaluate(mode, time.Since(start))
	}
}

// RecordEvaluate records an evaluation duration directly (when timing is
// already captured).
func RecordEvaluate(m *Metrics, mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ObserveEvaluate(mode, duration)
}
