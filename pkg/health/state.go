package health

import (
	"time"

	"github.com/capacityd/capacityd/pkg/metrics"
)

// Status represents the overall health classification of the system.
type Status string

const (
	// StatusHealthy indicates all metric families are within bounds
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates at least one metric family crossed its warning bound
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates at least one metric family crossed its critical bound
	StatusUnhealthy Status = "unhealthy"
)

// IsValid returns true if the status is a known classification.
func (s Status) IsValid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusUnhealthy:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether moving from s to target is structurally
// admissible. Direct jumps between healthy and unhealthy are forbidden in
// both directions; the system must pass through degraded so that a second
// sampling interval confirms the reading before the extreme state is
// reported.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusHealthy:
		return target == StatusDegraded
	case StatusDegraded:
		return target == StatusHealthy || target == StatusUnhealthy
	case StatusUnhealthy:
		return target == StatusDegraded
	default:
		return false
	}
}

// State is one health sample: the classification for a metrics snapshot at a
// point in time, plus the evaluation evidence that produced it.
type State struct {
	Status     Status           `json:"status"`
	Indicators metrics.Snapshot `json:"indicators"`
	Results    []metrics.Result `json:"results,omitempty"`
	Score      float64          `json:"score"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Transition records an accepted state change.
type Transition struct {
	ID        string    `json:"id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// GuardRejectedError reports a proposed transition that a guard turned down.
// It is internal bookkeeping: pool callers never see it, the state simply
// stays at its previous value.
type GuardRejectedError struct {
	From   Status
	To     Status
	Reason string
}

func (e *GuardRejectedError) Error() string {
	return "transition " + string(e.From) + " -> " + string(e.To) + " rejected: " + e.Reason
}

// classify maps evaluation results to the severity the snapshot itself
// represents, before any hysteresis is applied.
func classify(results []metrics.Result) Status {
	status := StatusHealthy
	for _, r := range results {
		switch r.Level {
		case metrics.LevelCritical:
			return StatusUnhealthy
		case metrics.LevelWarning:
			status = StatusDegraded
		}
	}
	return status
}
