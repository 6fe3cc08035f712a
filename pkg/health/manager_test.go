package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capacityd/capacityd/pkg/clock"
	"github.com/capacityd/capacityd/pkg/metrics"
)

// snapAt builds a snapshot whose only pressure signal is heap usage, keeping
// every other family comfortably inside its recovery band.
func snapAt(heapPercent float64) metrics.Snapshot {
	return metrics.Snapshot{
		HeapUsagePercent:        heapPercent,
		CacheUtilizationPercent: 10,
		LatencyMs:               50,
		ThroughputOpsPerSec:     50,
		ErrorRatePercent:        0,
	}
}

func newTestManager(t *testing.T) (*Manager, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	return NewManager(metrics.DefaultThresholdConfig(), DefaultRecoveryConfig(), fc), fc
}

func TestStatusTransitionMatrix(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusHealthy, StatusDegraded, true},
		{StatusHealthy, StatusUnhealthy, false},
		{StatusHealthy, StatusHealthy, false},
		{StatusDegraded, StatusHealthy, true},
		{StatusDegraded, StatusUnhealthy, true},
		{StatusDegraded, StatusDegraded, false},
		{StatusUnhealthy, StatusDegraded, true},
		{StatusUnhealthy, StatusHealthy, false},
		{StatusUnhealthy, StatusUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestObserveStartsHealthy(t *testing.T) {
	m, _ := newTestManager(t)

	assert.Equal(t, StatusHealthy, m.Status())

	state := m.Observe(snapAt(20))
	assert.Equal(t, StatusHealthy, state.Status)
	assert.Equal(t, 1.0, state.Score)
	assert.Empty(t, m.Transitions())
}

func TestWarningDowngradesToDegraded(t *testing.T) {
	m, _ := newTestManager(t)

	state := m.Observe(snapAt(80))
	assert.Equal(t, StatusDegraded, state.Status)

	transitions := m.Transitions()
	require.Len(t, transitions, 1)
	assert.Equal(t, StatusHealthy, transitions[0].From)
	assert.Equal(t, StatusDegraded, transitions[0].To)
	assert.NotEmpty(t, transitions[0].ID)
}

func TestCriticalReadingNeverJumpsToUnhealthy(t *testing.T) {
	m, _ := newTestManager(t)

	// An instantaneous critical reading from healthy lands at degraded.
	state := m.Observe(snapAt(95))
	assert.Equal(t, StatusDegraded, state.Status)

	// The next critical reading confirms and escalates.
	state = m.Observe(snapAt(95))
	assert.Equal(t, StatusUnhealthy, state.Status)

	transitions := m.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, StatusDegraded, transitions[0].To)
	assert.Equal(t, StatusUnhealthy, transitions[1].To)
}

func TestEscalationRequiresDegradedPredecessor(t *testing.T) {
	m, _ := newTestManager(t)

	m.Observe(snapAt(20)) // healthy
	m.Observe(snapAt(80)) // degraded
	m.Observe(snapAt(20)) // clean reading, recovery still gated by cooldown

	// Critical reading right after a clean sample: escalation is rejected
	// until a second interval confirms it.
	state := m.Observe(snapAt(95))
	assert.Equal(t, StatusDegraded, state.Status)

	state = m.Observe(snapAt(95))
	assert.Equal(t, StatusUnhealthy, state.Status)
}

func TestRecoveryGatedByCooldownAndSustainedImprovement(t *testing.T) {
	m, fc := newTestManager(t)

	m.Observe(snapAt(20))
	assert.Equal(t, StatusHealthy, m.Status())
	m.Observe(snapAt(80))
	assert.Equal(t, StatusDegraded, m.Status())
	m.Observe(snapAt(95))
	assert.Equal(t, StatusUnhealthy, m.Status())

	// A single clean reading right after the downgrade changes nothing.
	state := m.Observe(snapAt(20))
	assert.Equal(t, StatusUnhealthy, state.Status)

	fc.Advance(31 * time.Second)

	// First post-cooldown reading: improvement rate over the validation
	// window is still diluted by the downgrade samples.
	state = m.Observe(snapAt(20))
	assert.Equal(t, StatusUnhealthy, state.Status)

	// Sustained clean readings earn the step down, one level at a time.
	state = m.Observe(snapAt(20))
	assert.Equal(t, StatusDegraded, state.Status)

	state = m.Observe(snapAt(20))
	assert.Equal(t, StatusHealthy, state.Status)

	transitions := m.Transitions()
	require.Len(t, transitions, 4)
	assert.Equal(t, StatusDegraded, transitions[2].To)
	assert.Equal(t, StatusHealthy, transitions[3].To)
}

func TestRecoveryRejectedWhileMetricsOutsideRecoveryBand(t *testing.T) {
	m, fc := newTestManager(t)

	m.Observe(snapAt(80))
	require.Equal(t, StatusDegraded, m.Status())

	fc.Advance(31 * time.Second)

	// Heap at 70 is below the warning bound but above recovery (60): the
	// reading classifies healthy-ish but recovery is not yet earned.
	state := m.Observe(snapAt(70))
	assert.Equal(t, StatusDegraded, state.Status)

	state = m.Observe(snapAt(40))
	assert.Equal(t, StatusHealthy, state.Status)
}

func TestUserGuardConditionBlocksTransition(t *testing.T) {
	m, _ := newTestManager(t)

	m.AddGuardCondition(GuardCondition{
		Reason: "maintenance freeze",
		Evaluate: func(from, to Status) bool {
			return to != StatusUnhealthy
		},
	})

	m.Observe(snapAt(95))
	assert.Equal(t, StatusDegraded, m.Status())

	// Escalation is admissible by the built-in table but vetoed by the
	// registered guard.
	m.Observe(snapAt(95))
	assert.Equal(t, StatusDegraded, m.Status())
	require.Len(t, m.Transitions(), 1)
}

func TestResetStepsUnhealthyDownToDegraded(t *testing.T) {
	m, _ := newTestManager(t)

	assert.False(t, m.Reset("nothing to reset"), "reset from healthy must be a no-op")

	m.Observe(snapAt(95))
	m.Observe(snapAt(95))
	require.Equal(t, StatusUnhealthy, m.Status())

	assert.True(t, m.Reset("operator intervention"))
	assert.Equal(t, StatusDegraded, m.Status())

	assert.False(t, m.Reset("already degraded"))

	transitions := m.Transitions()
	last := transitions[len(transitions)-1]
	assert.Equal(t, StatusUnhealthy, last.From)
	assert.Equal(t, StatusDegraded, last.To)
	assert.Contains(t, last.Reason, "operator intervention")
}

func TestTransitionCallbacks(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var seen []Transition
	m.RegisterCallback(func(tr Transition, _ State) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})
	m.RegisterCallback(func(Transition, State) { panic("callback boom") })

	m.Observe(snapAt(80))
	m.Observe(snapAt(80)) // no change, no callback

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, StatusHealthy, seen[0].From)
	assert.Equal(t, StatusDegraded, seen[0].To)
}

func TestCurrentCarriesLatestEvidence(t *testing.T) {
	m, _ := newTestManager(t)

	state := m.Current()
	assert.Equal(t, StatusHealthy, state.Status)
	assert.Equal(t, 1.0, state.Score)

	m.Observe(snapAt(80))
	state = m.Current()
	assert.Equal(t, StatusDegraded, state.Status)
	assert.Equal(t, 80.0, state.Indicators.HeapUsagePercent)
	assert.Less(t, state.Score, 1.0)
	assert.NotEmpty(t, state.Results)
}

func TestRecentSamples(t *testing.T) {
	m, _ := newTestManager(t)

	m.Observe(snapAt(10))
	m.Observe(snapAt(20))
	m.Observe(snapAt(30))

	samples := m.RecentSamples(2)
	require.Len(t, samples, 2)
	assert.Equal(t, 20.0, samples[0].Indicators.HeapUsagePercent)
	assert.Equal(t, 30.0, samples[1].Indicators.HeapUsagePercent)
}
