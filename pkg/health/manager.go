package health

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/capacityd/capacityd/pkg/clock"
	"github.com/capacityd/capacityd/pkg/metrics"
)

// GuardCondition is a named predicate that must hold for a state transition
// to be accepted. Built-in rules and user-registered rules share this one
// shape.
type GuardCondition struct {
	Reason   string
	Evaluate func(from, to Status) bool
}

// TransitionCallback is invoked after a transition has been accepted.
type TransitionCallback func(transition Transition, state State)

// Manager owns the current health classification and admits or rejects
// proposed status changes. Every Observe call appends a sample to the
// bounded history; a transition is recorded only when all guards and the
// recovery validator accept it. Rejected proposals leave the state untouched.
type Manager struct {
	mu              sync.Mutex
	thresholds      metrics.ThresholdConfig
	validator       *RecoveryValidator
	history         *History
	status          Status
	guards          []GuardCondition
	callbacks       []TransitionCallback
	clk             clock.Clock
	lastDowngradeAt time.Time
}

// NewManager creates a health state manager starting at healthy. The history
// depth is sized to cover every guard that needs lookback: at least 2, and
// at least the validator's sample requirements.
func NewManager(thresholds metrics.ThresholdConfig, recovery RecoveryConfig, clk clock.Clock) *Manager {
	depth := 16
	if recovery.MinHealthySamples > depth {
		depth = recovery.MinHealthySamples
	}
	if recovery.ValidationWindow > depth {
		depth = recovery.ValidationWindow
	}

	return &Manager{
		thresholds: thresholds,
		validator:  NewRecoveryValidator(recovery, thresholds),
		history:    NewHistory(depth),
		status:     StatusHealthy,
		clk:        clk,
	}
}

// AddGuardCondition registers an additional transition predicate. All guards,
// built-in and user-added, must pass for a transition to be accepted.
func (m *Manager) AddGuardCondition(g GuardCondition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards = append(m.guards, g)
}

// RegisterCallback registers a callback invoked on every accepted transition.
func (m *Manager) RegisterCallback(cb TransitionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Status returns the current accepted classification.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Current returns the accepted classification combined with the most recent
// sample's evidence.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := State{Status: m.status, Timestamp: m.clk.Now(), Score: 1.0}
	if latest, ok := m.history.Latest(); ok {
		state.Indicators = latest.Indicators
		state.Results = latest.Results
		state.Score = latest.Score
		state.Timestamp = latest.Timestamp
	}
	return state
}

// RecentSamples returns the last window samples, most-recent last.
func (m *Manager) RecentSamples(window int) []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.LastN(window)
}

// Transitions returns the accepted-transition log.
func (m *Manager) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.Transitions()
}

// Observe evaluates one metrics snapshot, records it as a sample and applies
// the guarded transition rules. It returns the effective state after the
// sample was processed.
func (m *Manager) Observe(snap metrics.Snapshot) State {
	m.mu.Lock()

	results := metrics.EvaluateAll(snap, m.thresholds)
	sample := State{
		Status:     classify(results),
		Indicators: snap,
		Results:    results,
		Score:      metrics.AggregateScore(results),
		Timestamp:  m.clk.Now(),
	}
	m.history.Append(sample)

	transition, state := m.applyLocked(sample)

	callbacks := make([]TransitionCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if transition != nil {
		for _, cb := range callbacks {
			m.invokeCallback(cb, *transition, state)
		}
	}
	return state
}

// Reset explicitly steps an unhealthy system down to degraded, bypassing the
// sustained-improvement requirement. Operator override for the recovery path.
func (m *Manager) Reset(reason string) bool {
	m.mu.Lock()

	if m.status != StatusUnhealthy {
		m.mu.Unlock()
		return false
	}

	transition := m.acceptLocked(StatusDegraded, "explicit reset: "+reason)
	state := State{Status: m.status, Timestamp: transition.Timestamp}
	callbacks := make([]TransitionCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		m.invokeCallback(cb, transition, state)
	}
	return true
}

// applyLocked decides the transition (if any) for the sample just appended.
func (m *Manager) applyLocked(sample State) (*Transition, State) {
	candidate := sample.Status
	effective := func() State {
		out := sample
		out.Status = m.status
		return out
	}

	if candidate == m.status {
		return nil, effective()
	}

	// Route around forbidden direct jumps: an instantaneous critical (or
	// clean) reading gets one confirming interval at degraded first.
	target := candidate
	if !m.status.CanTransitionTo(target) {
		target = StatusDegraded
	}
	if target == m.status {
		return nil, effective()
	}

	ok, reason := m.admitLocked(m.status, target, candidate)
	if !ok {
		log.Warn().
			Err(&GuardRejectedError{From: m.status, To: target, Reason: reason}).
			Str("from", string(m.status)).
			Str("to", string(target)).
			Msg("Health transition rejected")
		return nil, effective()
	}

	for _, g := range m.guards {
		if !g.Evaluate(m.status, target) {
			log.Warn().
				Str("from", string(m.status)).
				Str("to", string(target)).
				Str("reason", g.Reason).
				Msg("Health transition rejected by guard condition")
			return nil, effective()
		}
	}

	transition := m.acceptLocked(target, reason)
	return &transition, effective()
}

// admitLocked applies the built-in guard table.
func (m *Manager) admitLocked(from, to, candidate Status) (bool, string) {
	now := m.clk.Now()

	switch {
	case from == StatusHealthy && to == StatusDegraded:
		return true, "warning bound crossed"

	case from == StatusDegraded && to == StatusUnhealthy:
		// A critical reading escalates only when the preceding sample had
		// already left the healthy band, so one confirming interval backs
		// every unhealthy classification.
		prev, ok := m.history.Previous()
		if !ok || prev.Status == StatusHealthy {
			return false, "critical reading not preceded by a degraded sample"
		}
		return true, "critical bound crossed after degraded sample"

	case from == StatusDegraded && to == StatusHealthy:
		return m.validator.CanRecover(m.history, now, m.lastDowngradeAt)

	case from == StatusUnhealthy && to == StatusDegraded:
		if candidate == StatusUnhealthy {
			return false, "metrics still critical"
		}
		return m.validator.CanStepDown(m.history, now, m.lastDowngradeAt)

	default:
		return false, "transition not admissible"
	}
}

// acceptLocked records the transition and flips the status.
func (m *Manager) acceptLocked(to Status, reason string) Transition {
	transition := Transition{
		ID:        uuid.NewString(),
		From:      m.status,
		To:        to,
		Timestamp: m.clk.Now(),
		Reason:    reason,
	}
	m.history.appendTransition(transition)

	if severityRank(to) > severityRank(m.status) {
		m.lastDowngradeAt = transition.Timestamp
	}
	m.status = to

	log.Info().
		Str("from", string(transition.From)).
		Str("to", string(transition.To)).
		Str("reason", reason).
		Msg("Health state transition")

	return transition
}

func (m *Manager) invokeCallback(cb TransitionCallback, transition Transition, state State) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("transition_id", transition.ID).
				Msg("Health transition callback panicked")
		}
	}()
	cb(transition, state)
}

func severityRank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}
