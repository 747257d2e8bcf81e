// Package neural implements the dispatcher that classifies an incoming
// chat prompt and routes it among three response backends (reflex, local,
// cloud) using an upper-confidence-bound bandit with per-backend circuit
// breakers.
package neural

import (
	"context"
	"time"
)

// Class is an intent label produced by the Classifier.
type Class string

const (
	ClassPing    Class = "ping"
	ClassShort   Class = "gen_short"
	ClassLong    Class = "gen_long"
)

// Request is the unit of work a Dispatcher hands to a Backend.
type Request struct {
	// Prompt is the stimulus text, already stripped of mention/command prefixes.
	Prompt string
	// Context is one of "ask", "mention", "direct", or "" (a plain command).
	Context string
	// Class is the classified intent.
	Class Class
	// CorrelationID identifies this request across logs and metrics.
	CorrelationID string
}

// CircuitState is the three-state gate guarding a backend's traffic.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BackendStats is a read-only snapshot of a backend's bandit and circuit
// state, safe to pass by value across goroutines.
type BackendStats struct {
	Name                string
	Circuit             CircuitState
	ConsecutiveFailures int
	LastFailure         time.Time
	EMASuccessRate      float64
	EMALatency          time.Duration
	Trials              int64
	CumulativeReward    float64
	Successes           int64
	RateLimitedUntil    time.Time
	QuotaExhausted      bool
	BackoffSeconds      float64
}

// AverageReward returns the mean reward observed so far, or 0 if untried.
func (s BackendStats) AverageReward() float64 {
	if s.Trials == 0 {
		return 0
	}
	return s.CumulativeReward / float64(s.Trials)
}

// Backend is the shared capability set for Reflex, Local, and Cloud
// response producers. The Dispatcher holds a small fixed set of these —
// no dynamic registration is needed.
type Backend interface {
	// Name identifies the backend in logs, metrics, and correlation records.
	Name() string
	// CanExecute reports whether the backend is currently eligible for
	// selection (enabled, circuit not open, not rate-limited or
	// quota-exhausted).
	CanExecute() bool
	// Invoke produces a reply for req. A non-nil error means the caller
	// should treat this as a failed attempt; Dispatcher then returns a
	// templated reply without trying another backend.
	Invoke(ctx context.Context, req Request) (string, error)
	// Stats returns a snapshot of the backend's bandit/circuit state.
	Stats() BackendStats
}
