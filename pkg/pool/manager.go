package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/capacityd/capacityd/pkg/clock"
	"github.com/capacityd/capacityd/pkg/detector"
	"github.com/capacityd/capacityd/pkg/health"
	"github.com/capacityd/capacityd/pkg/metrics"
)

// latencyWindowSize bounds the recent-latency window fed to the performance
// evaluator.
const latencyWindowSize = 64

// throughputWindow is the lookback for the ops/sec estimate.
const throughputWindow = 10 * time.Second

// terminalRetention bounds how long released and stale lease records stay
// queryable for release-error reporting before the sweep prunes them.
const terminalRetention = time.Hour

// Config holds resource pool configuration.
type Config struct {
	MinPoolSize       int                     `json:"min_pool_size" yaml:"min_pool_size" mapstructure:"min_pool_size"`
	MaxPoolSize       int                     `json:"max_pool_size" yaml:"max_pool_size" mapstructure:"max_pool_size"`
	CacheMaxSize      int                     `json:"cache_max_size" yaml:"cache_max_size" mapstructure:"cache_max_size"`
	CleanupInterval   time.Duration           `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	ResourceTimeout   time.Duration           `json:"resource_timeout" yaml:"resource_timeout" mapstructure:"resource_timeout"`
	WarningThreshold  float64                 `json:"warning_threshold" yaml:"warning_threshold" mapstructure:"warning_threshold"`
	CriticalThreshold float64                 `json:"critical_threshold" yaml:"critical_threshold" mapstructure:"critical_threshold"`
	Thresholds        metrics.ThresholdConfig `json:"thresholds" yaml:"thresholds" mapstructure:"thresholds"`
}

// DefaultConfig returns default pool settings.
func DefaultConfig() Config {
	return Config{
		MinPoolSize:       2,
		MaxPoolSize:       50,
		CacheMaxSize:      100,
		CleanupInterval:   5 * time.Second,
		ResourceTimeout:   5 * time.Minute,
		WarningThreshold:  0.75,
		CriticalThreshold: 0.90,
		Thresholds:        metrics.DefaultThresholdConfig(),
	}
}

// Validate checks pool configuration.
func (c Config) Validate() error {
	if c.MaxPoolSize < 1 {
		return fmt.Errorf("max_pool_size must be at least 1, got %d", c.MaxPoolSize)
	}
	if c.MinPoolSize < 0 || c.MinPoolSize > c.MaxPoolSize {
		return fmt.Errorf("min_pool_size must be within [0, max_pool_size], got %d", c.MinPoolSize)
	}
	if c.CacheMaxSize < 0 {
		return fmt.Errorf("cache_max_size must not be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	if c.ResourceTimeout <= 0 {
		return fmt.Errorf("resource_timeout must be positive")
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold >= c.CriticalThreshold || c.CriticalThreshold > 1 {
		return fmt.Errorf("utilization thresholds must satisfy 0 < warning < critical <= 1")
	}
	return c.Thresholds.Validate()
}

// Manager owns the lease pool: bounded capacity accounting, the requirement
// fingerprint cache, the background cleanup sweep, and the cached health
// classification delegated to the health state machine.
//
// The capacity counter, lease table and cache share one mutex, so two
// concurrent Allocate calls can never both observe the last free slot. The
// health classification is single-writer (detector tick or ForceUpdate) and
// read lock-free by Monitor.
type Manager struct {
	mu     sync.Mutex
	config Config
	clk    clock.Clock

	leases map[string]*Resource
	active int
	cache  *shapeCache

	healthMgr  *health.Manager
	det        detector.Detector
	healthSnap atomic.Pointer[health.State]

	observers []Observer

	stopCh      chan struct{}
	sweepTicker clock.Ticker
	wg          sync.WaitGroup
	disposed    bool
	disposeOnce sync.Once

	totalAllocations  int64
	failedAllocations int64
	failedReleases    int64
	cacheHits         int64
	sweeps            int64
	sweptLeases       int64
	allocLatencySum   time.Duration
	latencyWindow     []float64
	opTimes           []time.Time
}

// NewManager creates a resource pool manager and starts its cleanup loop.
// The detector is sampled on its own schedule; each sample flows through the
// health state machine and refreshes the cached classification.
func NewManager(config Config, det detector.Detector, healthMgr *health.Manager, clk clock.Clock) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	m := &Manager{
		config:    config,
		clk:       clk,
		leases:    make(map[string]*Resource),
		cache:     newShapeCache(config.CacheMaxSize),
		healthMgr: healthMgr,
		det:       det,
		stopCh:    make(chan struct{}),
	}

	initial := healthMgr.Current()
	m.healthSnap.Store(&initial)

	det.OnUpdate(func(av detector.Availability) {
		m.refreshHealth(av)
	})

	m.sweepTicker = clk.NewTicker(config.CleanupInterval)
	m.wg.Add(1)
	go m.cleanupLoop(m.sweepTicker, m.stopCh)

	log.Info().
		Int("min_pool_size", config.MinPoolSize).
		Int("max_pool_size", config.MaxPoolSize).
		Int("cache_max_size", config.CacheMaxSize).
		Dur("cleanup_interval", config.CleanupInterval).
		Dur("resource_timeout", config.ResourceTimeout).
		Msg("Resource pool initialized")

	return m, nil
}

// RegisterObserver registers a callback for lease lifecycle events.
func (m *Manager) RegisterObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Allocate leases capacity for the request. It either succeeds immediately
// or fails immediately; there is no queuing, callers wanting backpressure
// retry with their own backoff.
func (m *Manager) Allocate(req Request) (Resource, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		m.recordAllocationFailure(req, err)
		return Resource{}, err
	}

	m.mu.Lock()

	if m.disposed {
		m.mu.Unlock()
		err := NewValidationError("pool is disposed", map[string]string{"request_id": req.ID})
		m.recordAllocationFailure(req, err)
		return Resource{}, err
	}

	now := m.clk.Now()
	swept := m.sweepExpiredLocked(now)

	if m.active >= m.config.MaxPoolSize {
		healthNow := string(m.healthSnap.Load().Status)
		m.failedAllocations++
		m.mu.Unlock()

		err := NewPoolExhaustedError("no pool capacity available", map[string]string{
			"request_id":    req.ID,
			"active_leases": fmt.Sprintf("%d", m.config.MaxPoolSize),
			"max_pool_size": fmt.Sprintf("%d", m.config.MaxPoolSize),
			"health":        healthNow,
		})
		for _, ev := range swept {
			m.emit(ev)
		}
		m.emit(Event{
			Kind:      EventAllocationFailed,
			RequestID: req.ID,
			Type:      req.Type,
			Timestamp: now,
			Detail:    err.Error(),
		})
		return Resource{}, err
	}

	key := fingerprint(req.Type, req.Requirements)
	shape, hit := m.cache.get(key)
	if hit {
		m.cacheHits++
	} else {
		shape = leaseShape{Type: req.Type, Requirements: normalizeRequirements(req.Requirements)}
		m.cache.put(key, shape)
	}

	timeout := m.config.ResourceTimeout
	if req.Requirements.TimeoutMs > 0 {
		timeout = time.Duration(req.Requirements.TimeoutMs) * time.Millisecond
	}

	granted := shape.Requirements
	granted.TimeoutMs = req.Requirements.TimeoutMs

	res := &Resource{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		Type:         req.Type,
		Requirements: granted,
		AllocatedAt:  now,
		ExpiresAt:    now.Add(timeout),
		State:        LeaseStateActive,
	}
	m.leases[res.ID] = res
	m.active++

	m.totalAllocations++
	elapsed := time.Since(start)
	m.allocLatencySum += elapsed
	m.latencyWindow = append(m.latencyWindow, float64(elapsed.Microseconds())/1000.0)
	if len(m.latencyWindow) > latencyWindowSize {
		m.latencyWindow = m.latencyWindow[len(m.latencyWindow)-latencyWindowSize:]
	}
	m.recordOpLocked(now)

	handle := *res
	m.mu.Unlock()

	for _, ev := range swept {
		m.emit(ev)
	}
	m.emit(Event{
		Kind:      EventAllocated,
		LeaseID:   handle.ID,
		RequestID: handle.RequestID,
		Type:      handle.Type,
		Timestamp: now,
	})
	return handle, nil
}

// Release returns a lease to the pool. Releasing an unknown or already
// released handle is a validation error; releasing a lease the cleanup sweep
// has expired fails with RESOURCE_STALE. Once ExpiresAt has passed the sweep
// wins, even when the sweep tick has not run yet.
func (m *Manager) Release(handle Resource) error {
	if handle.ID == "" {
		return NewValidationError("resource id must not be empty", nil)
	}

	m.mu.Lock()
	now := m.clk.Now()

	lease, ok := m.leases[handle.ID]
	if !ok {
		m.failedReleases++
		m.mu.Unlock()
		return NewValidationError("unknown resource", map[string]string{"resource_id": handle.ID})
	}

	switch lease.State {
	case LeaseStateReleased:
		m.failedReleases++
		m.mu.Unlock()
		return NewValidationError("resource already released", map[string]string{
			"resource_id": handle.ID,
			"request_id":  lease.RequestID,
		})

	case LeaseStateStale:
		m.failedReleases++
		m.mu.Unlock()
		return NewStaleResourceError(map[string]string{
			"resource_id": handle.ID,
			"request_id":  lease.RequestID,
			"expired_at":  lease.ExpiresAt.Format(time.RFC3339Nano),
		})
	}

	if !now.Before(lease.ExpiresAt) {
		// Expired while still marked active: the sweep outcome applies
		// regardless of which ran first.
		lease.State = LeaseStateStale
		m.active--
		m.sweptLeases++
		m.failedReleases++
		stale := *lease
		m.mu.Unlock()

		m.emit(Event{
			Kind:      EventSweptStale,
			LeaseID:   stale.ID,
			RequestID: stale.RequestID,
			Type:      stale.Type,
			Timestamp: now,
			Detail:    "expired before release",
		})
		return NewStaleResourceError(map[string]string{
			"resource_id": stale.ID,
			"request_id":  stale.RequestID,
			"expired_at":  stale.ExpiresAt.Format(time.RFC3339Nano),
		})
	}

	lease.State = LeaseStateReleased
	m.active--
	m.cache.put(fingerprint(lease.Type, lease.Requirements), leaseShape{
		Type:         lease.Type,
		Requirements: lease.Requirements,
	})
	m.recordOpLocked(now)
	released := *lease
	m.mu.Unlock()

	m.emit(Event{
		Kind:      EventReleased,
		LeaseID:   released.ID,
		RequestID: released.RequestID,
		Type:      released.Type,
		Timestamp: now,
	})
	return nil
}

// Monitor returns pool utilization combined with the last accepted health
// classification. It never evaluates metrics itself; the health value is a
// lock-free read of cached state.
func (m *Manager) Monitor() MonitorView {
	m.mu.Lock()
	swept := m.sweepExpiredLocked(m.clk.Now())
	utilization := 0.0
	if m.config.MaxPoolSize > 0 {
		utilization = float64(m.active) / float64(m.config.MaxPoolSize)
	}
	m.mu.Unlock()

	for _, ev := range swept {
		m.emit(ev)
	}

	return MonitorView{
		Health:      string(m.healthSnap.Load().Status),
		Utilization: utilization,
	}
}

// ForceUpdate synchronously re-samples the detector and pushes the result
// through the health state machine. On a sampling failure the previous
// health reading is retained and the error returned.
func (m *Manager) ForceUpdate() error {
	av, err := m.det.Availability()
	if err != nil {
		log.Warn().Err(err).Msg("Detector sample failed, retaining previous health reading")
		return fmt.Errorf("detector sample failed: %w", err)
	}
	m.refreshHealth(av)
	return nil
}

// Health returns the cached health state.
func (m *Manager) Health() health.State {
	return *m.healthSnap.Load()
}

// Stats returns pool counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalAllocations:  m.totalAllocations,
		FailedAllocations: m.failedAllocations,
		FailedReleases:    m.failedReleases,
		CacheHits:         m.cacheHits,
		ActiveLeases:      m.active,
		Sweeps:            m.sweeps,
		SweptLeases:       m.sweptLeases,
	}
	if m.totalAllocations > 0 {
		s.CacheHitRate = float64(m.cacheHits) / float64(m.totalAllocations)
		s.AvgAllocation = m.allocLatencySum / time.Duration(m.totalAllocations)
	}
	return s
}

// Dispose stops the cleanup loop. Pending sweep timers never fire after
// Dispose returns; in-flight operations complete normally.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		m.mu.Lock()
		m.disposed = true
		m.mu.Unlock()

		m.sweepTicker.Stop()
		close(m.stopCh)
		m.wg.Wait()

		log.Info().Msg("Resource pool disposed")
	})
}

// refreshHealth feeds one availability snapshot through the health state
// machine and refreshes the cached classification.
func (m *Manager) refreshHealth(av detector.Availability) {
	snap := m.buildSnapshot(av)
	state := m.healthMgr.Observe(snap)
	m.healthSnap.Store(&state)
}

// buildSnapshot combines detector availability with the pool's own
// performance and error counters into one evaluation snapshot.
func (m *Manager) buildSnapshot(av detector.Availability) metrics.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := metrics.Snapshot{
		HeapUsagePercent:        av.Memory.UtilizationPercent,
		CacheUtilizationPercent: m.cache.utilizationPercent(),
	}

	if len(m.latencyWindow) > 0 {
		sum := 0.0
		for _, v := range m.latencyWindow {
			sum += v
		}
		snap.LatencyMs = sum / float64(len(m.latencyWindow))
		snap.LatencyWindowMs = append([]float64(nil), m.latencyWindow...)
	}

	now := m.clk.Now()
	cutoff := now.Add(-throughputWindow)
	recent := 0
	for _, ts := range m.opTimes {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent > 0 {
		snap.ThroughputOpsPerSec = float64(recent) / throughputWindow.Seconds()
	} else {
		// Idle pool: report the neutral recovery value so absence of traffic
		// does not read as a throughput collapse.
		snap.ThroughputOpsPerSec = m.config.Thresholds.PerformanceThroughput.Recovery
	}

	total := m.totalAllocations + m.failedAllocations
	if total > 0 {
		snap.ErrorRatePercent = float64(m.failedAllocations) / float64(total) * 100.0
	}
	return snap
}

// cleanupLoop periodically expires stale leases. Sweeps are serialized: one
// goroutine, one tick at a time.
func (m *Manager) cleanupLoop(ticker clock.Ticker, stopCh chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

// sweep runs one full cleanup pass.
func (m *Manager) sweep() {
	m.mu.Lock()
	now := m.clk.Now()
	m.sweeps++
	swept := m.sweepExpiredLocked(now)
	m.pruneTerminalLocked(now)
	m.mu.Unlock()

	for _, ev := range swept {
		m.emit(ev)
	}
}

// sweepExpiredLocked moves expired active leases to stale and reclaims their
// capacity, so crashed or stuck holders cannot starve the pool.
func (m *Manager) sweepExpiredLocked(now time.Time) []Event {
	var events []Event
	for _, lease := range m.leases {
		if lease.State != LeaseStateActive || now.Before(lease.ExpiresAt) {
			continue
		}
		lease.State = LeaseStateStale
		m.active--
		m.sweptLeases++
		events = append(events, Event{
			Kind:      EventSweptStale,
			LeaseID:   lease.ID,
			RequestID: lease.RequestID,
			Type:      lease.Type,
			Timestamp: now,
			Detail:    "lease timeout elapsed",
		})
	}
	return events
}

// pruneTerminalLocked drops terminal lease records past the retention bound.
func (m *Manager) pruneTerminalLocked(now time.Time) {
	cutoff := now.Add(-terminalRetention)
	for id, lease := range m.leases {
		if lease.State == LeaseStateActive {
			continue
		}
		if lease.ExpiresAt.Before(cutoff) {
			delete(m.leases, id)
		}
	}
}

func (m *Manager) recordOpLocked(now time.Time) {
	m.opTimes = append(m.opTimes, now)
	cutoff := now.Add(-throughputWindow)
	trim := 0
	for trim < len(m.opTimes) && !m.opTimes[trim].After(cutoff) {
		trim++
	}
	if trim > 0 {
		m.opTimes = m.opTimes[trim:]
	}
}

func (m *Manager) recordAllocationFailure(req Request, err error) {
	m.mu.Lock()
	m.failedAllocations++
	m.mu.Unlock()

	m.emit(Event{
		Kind:      EventAllocationFailed,
		RequestID: req.ID,
		Type:      req.Type,
		Timestamp: m.clk.Now(),
		Detail:    err.Error(),
	})
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event", string(ev.Kind)).
						Msg("Pool observer panicked")
				}
			}()
			obs(ev)
		}()
	}
}

// normalizeRequirements rounds requirements up to their quantization buckets;
// the granted shape is what equivalent future requests reuse from the cache.
func normalizeRequirements(req Requirements) Requirements {
	out := req
	if out.MemoryMB > 0 {
		out.MemoryMB = (out.MemoryMB + memoryBucketMB - 1) / memoryBucketMB * memoryBucketMB
	}
	if out.CPUCores > 0 {
		buckets := out.CPUCores / cpuBucketCores
		whole := float64(int64(buckets))
		if buckets > whole {
			whole++
		}
		out.CPUCores = whole * cpuBucketCores
	}
	return out
}
