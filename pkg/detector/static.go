package detector

import (
	"sync"

	"github.com/capacityd/capacityd/pkg/clock"
)

// StaticDetector serves a settable availability snapshot. It backs tests and
// deployments where an external agent pushes availability instead of the
// local sampler.
type StaticDetector struct {
	mu        sync.RWMutex
	clk       clock.Clock
	av        Availability
	err       error
	updateCbs []UpdateCallback
	alertCbs  []AlertCallback
}

// NewStaticDetector creates a detector that always reports av until Set is
// called.
func NewStaticDetector(av Availability, clk clock.Clock) *StaticDetector {
	return &StaticDetector{clk: clk, av: av}
}

// Set replaces the reported snapshot and notifies update callbacks.
func (d *StaticDetector) Set(av Availability) {
	d.mu.Lock()
	av.Timestamp = d.clk.Now()
	d.av = av
	d.err = nil
	cbs := make([]UpdateCallback, len(d.updateCbs))
	copy(cbs, d.updateCbs)
	d.mu.Unlock()

	for _, cb := range cbs {
		invokeUpdate(cb, av)
	}
}

// Fail makes subsequent Availability calls return err alongside the last
// snapshot, to exercise fail-open behavior.
func (d *StaticDetector) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Start is a no-op: the snapshot only changes via Set.
func (d *StaticDetector) Start() {}

// Stop is a no-op.
func (d *StaticDetector) Stop() {}

// Dispose is a no-op.
func (d *StaticDetector) Dispose() {}

// Availability returns the configured snapshot.
func (d *StaticDetector) Availability() (Availability, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.av, d.err
}

// OnUpdate registers a snapshot callback.
func (d *StaticDetector) OnUpdate(cb UpdateCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateCbs = append(d.updateCbs, cb)
}

// OnAlert registers an alert callback.
func (d *StaticDetector) OnAlert(cb AlertCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alertCbs = append(d.alertCbs, cb)
}
