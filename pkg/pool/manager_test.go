package pool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capacityd/capacityd/pkg/clock"
	"github.com/capacityd/capacityd/pkg/detector"
	"github.com/capacityd/capacityd/pkg/health"
)

func testAvailability(heapPercent float64) detector.Availability {
	return detector.Availability{
		Status: detector.StatusOK,
		Memory: detector.MemoryAvailability{
			IsAvailable:        true,
			UtilizationPercent: heapPercent,
			AvailableAmount:    8 << 30,
		},
		CPU:  detector.CPUAvailability{IsAvailable: true, UtilizationPercent: 10, AvailableCores: 4},
		Disk: detector.DiskAvailability{IsAvailable: true, UtilizationPercent: 30, AvailableSpace: 100 << 30},
	}
}

func newTestPool(t *testing.T, cfg Config) (*Manager, *detector.StaticDetector, *clock.FakeClock) {
	t.Helper()

	fc := clock.NewFake(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	det := detector.NewStaticDetector(testAvailability(20), fc)
	hm := health.NewManager(cfg.Thresholds, health.DefaultRecoveryConfig(), fc)

	m, err := NewManager(cfg, det, hm, fc)
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m, det, fc
}

func testRequest(id string) Request {
	return Request{
		ID:       id,
		Type:     ResourceTypeMemory,
		Priority: PriorityMedium,
		Requirements: Requirements{
			MemoryMB: 256,
			CPUCores: 0.5,
		},
	}
}

func TestAllocateReleaseLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	m, _, fc := newTestPool(t, cfg)

	res, err := m.Allocate(testRequest("req-1"))
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, ResourceTypeMemory, res.Type)
	assert.Equal(t, int64(256), res.Requirements.MemoryMB)
	assert.Equal(t, 0.5, res.Requirements.CPUCores)
	assert.Equal(t, LeaseStateActive, res.State)
	assert.Equal(t, fc.Now().Add(cfg.ResourceTimeout), res.ExpiresAt)

	view := m.Monitor()
	assert.InDelta(t, 1.0/float64(cfg.MaxPoolSize), view.Utilization, 1e-9)

	require.NoError(t, m.Release(res))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.TotalAllocations)
	assert.Equal(t, 0, stats.ActiveLeases)
	assert.Zero(t, m.Monitor().Utilization)
}

func TestAllocateValidation(t *testing.T) {
	m, _, _ := newTestPool(t, DefaultConfig())

	tests := []struct {
		name string
		req  Request
	}{
		{"empty id", Request{Type: ResourceTypeMemory}},
		{"unknown type", Request{ID: "r", Type: "network"}},
		{"unknown priority", Request{ID: "r", Type: ResourceTypeCPU, Priority: "urgent"}},
		{"negative memory", Request{ID: "r", Type: ResourceTypeMemory, Requirements: Requirements{MemoryMB: -1}}},
		{"negative timeout", Request{ID: "r", Type: ResourceTypeMemory, Requirements: Requirements{TimeoutMs: -5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Allocate(tt.req)
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 10
	m, _, _ := newTestPool(t, cfg)

	const attempts = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		granted   []Resource
		exhausted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Allocate(testRequest(fmt.Sprintf("req-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.Equal(t, KindPoolExhausted, KindOf(err))
				var perr *Error
				if assert.True(t, errors.As(err, &perr)) {
					assert.True(t, perr.Retryable())
				}
				exhausted++
				return
			}
			granted = append(granted, res)
		}(i)
	}
	wg.Wait()

	assert.Len(t, granted, 10)
	assert.Equal(t, 15, exhausted)

	seen := make(map[string]bool)
	for _, res := range granted {
		assert.False(t, seen[res.ID], "duplicate lease id %s", res.ID)
		seen[res.ID] = true
	}

	// Full pool stays full until something is released.
	_, err := m.Allocate(testRequest("req-extra"))
	require.Error(t, err)
	assert.Equal(t, KindPoolExhausted, KindOf(err))

	require.NoError(t, m.Release(granted[0]))
	res, err := m.Allocate(testRequest("req-after-release"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
}

func TestConcurrentChurn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 8
	m, _, _ := newTestPool(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				res, err := m.Allocate(testRequest(fmt.Sprintf("churn-%d-%d", i, j)))
				if err != nil {
					assert.Equal(t, KindPoolExhausted, KindOf(err))
					continue
				}
				assert.NoError(t, m.Release(res))
			}
		}(i)
	}
	wg.Wait()

	stats := m.Stats()
	assert.Equal(t, 0, stats.ActiveLeases)
	assert.LessOrEqual(t, m.Monitor().Utilization, 1.0)
}

func TestReleaseErrors(t *testing.T) {
	m, _, _ := newTestPool(t, DefaultConfig())

	err := m.Release(Resource{})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	err = m.Release(Resource{ID: "no-such-lease"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	res, err := m.Allocate(testRequest("req-double"))
	require.NoError(t, err)
	require.NoError(t, m.Release(res))

	err = m.Release(res)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "already released")
}

func TestSweepExpiresLeases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = 50 * time.Millisecond
	m, _, fc := newTestPool(t, cfg)

	req := testRequest("req-short")
	req.Requirements.TimeoutMs = 100
	res, err := m.Allocate(req)
	require.NoError(t, err)
	assert.Equal(t, fc.Now().Add(100*time.Millisecond), res.ExpiresAt)

	fc.Advance(150 * time.Millisecond)

	// The sweep reclaims the capacity before any release arrives.
	view := m.Monitor()
	assert.Zero(t, view.Utilization)

	err = m.Release(res)
	require.Error(t, err)
	assert.Equal(t, KindStaleResource, KindOf(err))

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Resource is stale", perr.Message)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.SweptLeases)
	assert.Equal(t, 0, stats.ActiveLeases)
}

func TestReleaseAfterExpiryWithoutSweepTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = time.Hour
	m, _, fc := newTestPool(t, cfg)

	req := testRequest("req-expired")
	req.Requirements.TimeoutMs = 100
	res, err := m.Allocate(req)
	require.NoError(t, err)

	// No sweep has run, but expiry is decided by the clock, not the tick.
	fc.Advance(101 * time.Millisecond)

	err = m.Release(res)
	require.Error(t, err)
	assert.Equal(t, KindStaleResource, KindOf(err))

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Resource is stale", perr.Message)
	assert.Equal(t, 0, m.Stats().ActiveLeases)
}

func TestReleaseExactlyAtExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = time.Hour
	m, _, fc := newTestPool(t, cfg)

	req := testRequest("req-boundary")
	req.Requirements.TimeoutMs = 100
	res, err := m.Allocate(req)
	require.NoError(t, err)

	fc.Advance(100 * time.Millisecond)

	err = m.Release(res)
	require.Error(t, err)
	assert.Equal(t, KindStaleResource, KindOf(err))
}

func TestCacheHitRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 200
	cfg.CacheMaxSize = 100
	m, _, _ := newTestPool(t, cfg)

	// 1000 allocations cycling through 100 distinct shapes. After the first
	// pass every shape is cached.
	const shapes = 100
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		shape := i % shapes
		req := Request{
			ID:   fmt.Sprintf("req-%d", i),
			Type: ResourceTypeMemory,
			Requirements: Requirements{
				MemoryMB: int64(64 * (shape + 1)),
				CPUCores: 0.25,
			},
		}
		res, err := m.Allocate(req)
		require.NoError(t, err)

		assert.False(t, seen[res.ID])
		seen[res.ID] = true
		assert.Equal(t, req.Requirements.MemoryMB, res.Requirements.MemoryMB)
		assert.Equal(t, req.Requirements.CPUCores, res.Requirements.CPUCores)

		require.NoError(t, m.Release(res))
	}

	stats := m.Stats()
	assert.Equal(t, int64(1000), stats.TotalAllocations)
	assert.Greater(t, stats.CacheHitRate, 0.85)
}

func TestMonitorReflectsHealthDowngrade(t *testing.T) {
	m, det, _ := newTestPool(t, DefaultConfig())

	assert.Equal(t, string(health.StatusHealthy), m.Monitor().Health)

	// Critical heap reading: one confirming interval at degraded first.
	det.Set(testAvailability(95))
	assert.Equal(t, string(health.StatusDegraded), m.Monitor().Health)

	det.Set(testAvailability(95))
	assert.Equal(t, string(health.StatusUnhealthy), m.Monitor().Health)
}

func TestForceUpdate(t *testing.T) {
	m, det, _ := newTestPool(t, DefaultConfig())

	det.Set(testAvailability(80))
	require.NoError(t, m.ForceUpdate())
	assert.Equal(t, string(health.StatusDegraded), m.Monitor().Health)

	det.Fail(errors.New("meminfo unreadable"))
	err := m.ForceUpdate()
	require.Error(t, err)
	// Previous reading is retained on a sampling failure.
	assert.Equal(t, string(health.StatusDegraded), m.Monitor().Health)
}

func TestObserverEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 1
	m, _, fc := newTestPool(t, cfg)

	var mu sync.Mutex
	var kinds []EventKind
	m.RegisterObserver(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	m.RegisterObserver(func(Event) { panic("observer boom") })

	res, err := m.Allocate(testRequest("req-ev-1"))
	require.NoError(t, err)

	_, err = m.Allocate(testRequest("req-ev-2"))
	require.Error(t, err)

	require.NoError(t, m.Release(res))

	short := testRequest("req-ev-3")
	short.Requirements.TimeoutMs = 10
	_, err = m.Allocate(short)
	require.NoError(t, err)
	fc.Advance(20 * time.Millisecond)
	m.Monitor()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{
		EventAllocated,
		EventAllocationFailed,
		EventReleased,
		EventAllocated,
		EventSweptStale,
	}, kinds)
}

func TestDispose(t *testing.T) {
	cfg := DefaultConfig()
	fc := clock.NewFake(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	det := detector.NewStaticDetector(testAvailability(20), fc)
	hm := health.NewManager(cfg.Thresholds, health.DefaultRecoveryConfig(), fc)

	m, err := NewManager(cfg, det, hm, fc)
	require.NoError(t, err)
	require.Equal(t, 1, fc.ActiveTickers())

	m.Dispose()
	m.Dispose() // idempotent

	assert.Equal(t, 0, fc.ActiveTickers())

	_, err = m.Allocate(testRequest("req-after-dispose"))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "disposed")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max pool size", func(c *Config) { c.MaxPoolSize = 0 }},
		{"min above max", func(c *Config) { c.MinPoolSize = 100; c.MaxPoolSize = 10 }},
		{"negative cache", func(c *Config) { c.CacheMaxSize = -1 }},
		{"zero cleanup interval", func(c *Config) { c.CleanupInterval = 0 }},
		{"zero resource timeout", func(c *Config) { c.ResourceTimeout = 0 }},
		{"warning above critical", func(c *Config) { c.WarningThreshold = 0.95; c.CriticalThreshold = 0.90 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestSnapshotUsesNeutralThroughputWhenIdle(t *testing.T) {
	cfg := DefaultConfig()
	m, _, _ := newTestPool(t, cfg)

	snap := m.buildSnapshot(testAvailability(20))
	assert.Equal(t, cfg.Thresholds.PerformanceThroughput.Recovery, snap.ThroughputOpsPerSec)
	assert.Zero(t, snap.ErrorRatePercent)

	res, err := m.Allocate(testRequest("req-snap"))
	require.NoError(t, err)
	require.NoError(t, m.Release(res))

	snap = m.buildSnapshot(testAvailability(20))
	assert.Greater(t, snap.ThroughputOpsPerSec, 0.0)
	assert.Equal(t, 20.0, snap.HeapUsagePercent)
}
