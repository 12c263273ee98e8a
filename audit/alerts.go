package audit

import (
	"sync"
	"time"

	"github.com/jmcleod/warden/internal/clock"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const AlertLoginFailureSpike AlertType = "login_failure_spike"

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultFailureWindow    = time.Minute
	defaultFailureThreshold = 10
)

// failureMonitor counts login failures in a sliding window.
type failureMonitor struct {
	mu        sync.Mutex
	clock     clock.Clock
	failures  []time.Time
	window    time.Duration
	threshold int
	alertFn   AlertFunc
}

func newFailureMonitor(fn AlertFunc, window time.Duration, threshold int) *failureMonitor {
	if window <= 0 {
		window = defaultFailureWindow
	}
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &failureMonitor{window: window, threshold: threshold, alertFn: fn, clock: clock.Real()}
}

func (m *failureMonitor) record(ev Event) {
	if m == nil || m.alertFn == nil || ev.Type != LoginFailure {
		return
	}
	m.mu.Lock()
	now := m.clock.Now()
	m.failures = trimWindow(append(m.failures, now), now, m.window)
	if len(m.failures) < m.threshold {
		m.mu.Unlock()
		return
	}
	alert := AlertEvent{
		Type:      AlertLoginFailureSpike,
		Message:   "login failure rate exceeds threshold",
		Count:     len(m.failures),
		Threshold: m.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	m.failures = m.failures[:0]
	m.mu.Unlock()
	m.alertFn(alert)
}

// trimWindow drops entries older than now-window from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
