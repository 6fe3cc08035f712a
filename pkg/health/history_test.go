package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWithScore(score float64) State {
	return State{Status: StatusHealthy, Score: score}
}

func TestHistoryAppendAndEviction(t *testing.T) {
	h := NewHistory(3)
	assert.Equal(t, 0, h.Len())

	_, ok := h.Latest()
	assert.False(t, ok)
	_, ok = h.Previous()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		h.Append(sampleWithScore(float64(i)))
	}

	// Capacity 3: samples 1 and 2 were evicted.
	assert.Equal(t, 3, h.Len())

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, 5.0, latest.Score)

	prev, ok := h.Previous()
	require.True(t, ok)
	assert.Equal(t, 4.0, prev.Score)
}

func TestHistoryLastN(t *testing.T) {
	h := NewHistory(4)
	for i := 1; i <= 6; i++ {
		h.Append(sampleWithScore(float64(i)))
	}

	last2 := h.LastN(2)
	require.Len(t, last2, 2)
	assert.Equal(t, 5.0, last2[0].Score)
	assert.Equal(t, 6.0, last2[1].Score)

	// Asking for more than retained returns everything, oldest first.
	all := h.LastN(10)
	require.Len(t, all, 4)
	assert.Equal(t, 3.0, all[0].Score)
	assert.Equal(t, 6.0, all[3].Score)

	assert.Empty(t, h.LastN(0))
}

func TestHistoryMinimumCapacity(t *testing.T) {
	h := NewHistory(0)
	h.Append(sampleWithScore(1))
	h.Append(sampleWithScore(2))
	h.Append(sampleWithScore(3))

	// Clamped to 2 so Previous always has a slot.
	assert.Equal(t, 2, h.Len())
	prev, ok := h.Previous()
	require.True(t, ok)
	assert.Equal(t, 2.0, prev.Score)
}

func TestHistoryTransitionLogBounded(t *testing.T) {
	h := NewHistory(2)

	for i := 0; i < 20; i++ {
		h.appendTransition(Transition{ID: fmt.Sprintf("t-%d", i)})
	}

	transitions := h.Transitions()
	require.Len(t, transitions, 8)
	assert.Equal(t, "t-12", transitions[0].ID)
	assert.Equal(t, "t-19", transitions[7].ID)

	// The returned slice is a copy.
	transitions[0].ID = "mutated"
	assert.Equal(t, "t-12", h.Transitions()[0].ID)
}
