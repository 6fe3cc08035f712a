package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for components that run periodic work, so tests can
// drive timers with a virtual clock instead of sleeping.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the minimal ticker surface used by background loops.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// New returns a Clock backed by the system clock.
func New() Clock {
	return &systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (st *systemTicker) Chan() <-chan time.Time { return st.t.C }
func (st *systemTicker) Stop()                  { st.t.Stop() }

// FakeClock is a manually advanced Clock for tests. Advance moves the
// current time forward and delivers ticks to every ticker whose interval
// elapsed; a stopped ticker never receives another tick.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake creates a FakeClock starting at the given time.
func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// NewTicker creates a ticker driven by Advance.
func (fc *FakeClock) NewTicker(d time.Duration) Ticker {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	ft := &fakeTicker{
		clock:    fc,
		interval: d,
		next:     fc.now.Add(d),
		ch:       make(chan time.Time, 64),
	}
	fc.tickers = append(fc.tickers, ft)
	return ft
}

// Advance moves the clock forward by d and emits any due ticks.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	now := fc.now
	tickers := make([]*fakeTicker, len(fc.tickers))
	copy(tickers, fc.tickers)
	fc.mu.Unlock()

	for _, ft := range tickers {
		ft.deliverUpTo(now)
	}
}

// ActiveTickers reports how many tickers have not been stopped.
func (fc *FakeClock) ActiveTickers() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	n := 0
	for _, ft := range fc.tickers {
		ft.mu.Lock()
		if !ft.stopped {
			n++
		}
		ft.mu.Unlock()
	}
	return n
}

type fakeTicker struct {
	mu       sync.Mutex
	clock    *FakeClock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (ft *fakeTicker) Chan() <-chan time.Time { return ft.ch }

func (ft *fakeTicker) Stop() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.stopped = true
}

func (ft *fakeTicker) deliverUpTo(now time.Time) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.stopped {
		return
	}
	for !ft.next.After(now) {
		select {
		case ft.ch <- ft.next:
		default:
			// Slow consumer; drop the tick like time.Ticker does.
		}
		ft.next = ft.next.Add(ft.interval)
	}
}
