package health

// History is a bounded ring buffer of health samples plus a log of accepted
// transitions. Capacity, not time, bounds growth: once full, the oldest
// sample is evicted on append. Samples are monotonically non-decreasing in
// timestamp because appends happen under the manager's lock.
type History struct {
	samples     []State
	head        int // index of the oldest sample
	size        int
	capacity    int
	transitions []Transition
}

// NewHistory creates a history bounded to the given capacity. Guards compare
// against the previous sample, so the capacity is clamped to at least 2.
func NewHistory(capacity int) *History {
	if capacity < 2 {
		capacity = 2
	}
	return &History{
		samples:  make([]State, capacity),
		capacity: capacity,
	}
}

// Append adds a sample, evicting the oldest when full.
func (h *History) Append(s State) {
	if h.size < h.capacity {
		h.samples[(h.head+h.size)%h.capacity] = s
		h.size++
		return
	}
	h.samples[h.head] = s
	h.head = (h.head + 1) % h.capacity
}

// Len returns the number of retained samples.
func (h *History) Len() int {
	return h.size
}

// LastN returns the last n samples, most-recent last. When fewer than n
// samples are retained, all of them are returned.
func (h *History) LastN(n int) []State {
	if n > h.size {
		n = h.size
	}
	out := make([]State, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.samples[(h.head+i)%h.capacity])
	}
	return out
}

// Latest returns the most recent sample, if any.
func (h *History) Latest() (State, bool) {
	if h.size == 0 {
		return State{}, false
	}
	return h.samples[(h.head+h.size-1)%h.capacity], true
}

// Previous returns the sample before the most recent one, if any.
func (h *History) Previous() (State, bool) {
	if h.size < 2 {
		return State{}, false
	}
	return h.samples[(h.head+h.size-2)%h.capacity], true
}

func (h *History) appendTransition(t Transition) {
	h.transitions = append(h.transitions, t)
	if len(h.transitions) > h.capacity*4 {
		h.transitions = h.transitions[len(h.transitions)-h.capacity*4:]
	}
}

// Transitions returns a copy of the accepted-transition log, oldest first.
func (h *History) Transitions() []Transition {
	out := make([]Transition, len(h.transitions))
	copy(out, h.transitions)
	return out
}
