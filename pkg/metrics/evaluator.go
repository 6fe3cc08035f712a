package metrics

import (
	"fmt"
	"math"
)

// Level classifies how far a metric value has pushed into its threshold bands.
type Level int

const (
	// LevelOK - value is inside the recovery band
	LevelOK Level = iota
	// LevelMonitor - value is outside recovery but below warning
	LevelMonitor
	// LevelWarning - value crossed the warning bound
	LevelWarning
	// LevelCritical - value crossed the critical bound
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelMonitor:
		return "monitor"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds defines the {warning, critical, recovery} bands for one metric.
// For ceiling metrics (latency, error rate, utilization) higher values are
// worse and recovery < warning < critical. For floor metrics (throughput)
// lower values are worse and recovery > warning > critical.
type Thresholds struct {
	Warning  float64 `json:"warning" yaml:"warning" mapstructure:"warning"`
	Critical float64 `json:"critical" yaml:"critical" mapstructure:"critical"`
	Recovery float64 `json:"recovery" yaml:"recovery" mapstructure:"recovery"`
}

// ThresholdConfig holds per-metric-family bands.
type ThresholdConfig struct {
	MemoryHeapUsage        Thresholds `json:"memory_heap_usage" yaml:"memory_heap_usage" mapstructure:"memory_heap_usage"`
	MemoryCacheUtilization Thresholds `json:"memory_cache_utilization" yaml:"memory_cache_utilization" mapstructure:"memory_cache_utilization"`
	PerformanceLatency     Thresholds `json:"performance_latency" yaml:"performance_latency" mapstructure:"performance_latency"`
	PerformanceThroughput  Thresholds `json:"performance_throughput" yaml:"performance_throughput" mapstructure:"performance_throughput"`
	ErrorRate              Thresholds `json:"error_rate" yaml:"error_rate" mapstructure:"error_rate"`
}

// DefaultThresholdConfig returns threshold bands suitable for percentage
// utilization, millisecond latency, ops/sec throughput and percentage error
// rate metrics.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		MemoryHeapUsage:        Thresholds{Warning: 75.0, Critical: 90.0, Recovery: 60.0},
		MemoryCacheUtilization: Thresholds{Warning: 80.0, Critical: 95.0, Recovery: 65.0},
		PerformanceLatency:     Thresholds{Warning: 500.0, Critical: 2000.0, Recovery: 250.0},
		PerformanceThroughput:  Thresholds{Warning: 10.0, Critical: 2.0, Recovery: 20.0},
		ErrorRate:              Thresholds{Warning: 5.0, Critical: 15.0, Recovery: 1.0},
	}
}

// Validate checks band ordering: recovery must be the most forgiving bound
// and sit strictly inside warning.
func (t Thresholds) Validate(floor bool) error {
	if floor {
		if !(t.Recovery > t.Warning && t.Warning > t.Critical) {
			return fmt.Errorf("floor thresholds must satisfy recovery > warning > critical, got %+v", t)
		}
		return nil
	}
	if !(t.Recovery < t.Warning && t.Warning < t.Critical) {
		return fmt.Errorf("thresholds must satisfy recovery < warning < critical, got %+v", t)
	}
	return nil
}

// Validate validates every family's band ordering.
func (c ThresholdConfig) Validate() error {
	families := []struct {
		name  string
		bands Thresholds
		floor bool
	}{
		{"memory_heap_usage", c.MemoryHeapUsage, false},
		{"memory_cache_utilization", c.MemoryCacheUtilization, false},
		{"performance_latency", c.PerformanceLatency, false},
		{"performance_throughput", c.PerformanceThroughput, true},
		{"error_rate", c.ErrorRate, false},
	}
	for _, f := range families {
		if err := f.bands.Validate(f.floor); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

// Result is the outcome of evaluating one metric family.
type Result struct {
	Family          string   `json:"family"`
	IsValid         bool     `json:"is_valid"`
	Score           float64  `json:"score"`
	Level           Level    `json:"level"`
	Violations      []string `json:"violations,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Evaluate scores a ceiling metric (higher is worse) against its bands.
func Evaluate(family string, value float64, t Thresholds) Result {
	r := Result{Family: family, Score: 1.0, Level: LevelOK}

	switch {
	case value >= t.Critical:
		r.Score = 0.2
		r.Level = LevelCritical
		r.Violations = append(r.Violations, fmt.Sprintf("%s %.2f crossed critical bound %.2f", family, value, t.Critical))
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("urgent: reduce %s below %.2f", family, t.Critical))
	case value >= t.Warning:
		r.Score = 0.6
		r.Level = LevelWarning
		r.Violations = append(r.Violations, fmt.Sprintf("%s %.2f crossed warning bound %.2f", family, value, t.Warning))
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("monitor %s closely", family))
	case value > t.Recovery*1.1:
		r.Score = 0.8
		r.Level = LevelMonitor
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("monitor %s", family))
	}

	r.IsValid = r.Score >= 0.8
	return r
}

// EvaluateFloor scores a floor metric (lower is worse) against its bands.
func EvaluateFloor(family string, value float64, t Thresholds) Result {
	r := Result{Family: family, Score: 1.0, Level: LevelOK}

	switch {
	case value <= t.Critical:
		r.Score = 0.2
		r.Level = LevelCritical
		r.Violations = append(r.Violations, fmt.Sprintf("%s %.2f fell below critical bound %.2f", family, value, t.Critical))
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("urgent: restore %s above %.2f", family, t.Critical))
	case value <= t.Warning:
		r.Score = 0.6
		r.Level = LevelWarning
		r.Violations = append(r.Violations, fmt.Sprintf("%s %.2f fell below warning bound %.2f", family, value, t.Warning))
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("monitor %s closely", family))
	case value < t.Recovery*0.9:
		r.Score = 0.8
		r.Level = LevelMonitor
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("monitor %s", family))
	}

	r.IsValid = r.Score >= 0.8
	return r
}

// WithinRecovery reports whether a ceiling metric is back inside its
// recovery band.
func WithinRecovery(value float64, t Thresholds) bool {
	return value <= t.Recovery
}

// WithinRecoveryFloor reports whether a floor metric is back inside its
// recovery band.
func WithinRecoveryFloor(value float64, t Thresholds) bool {
	return value >= t.Recovery
}

// Snapshot carries the raw metric values for one evaluation pass.
type Snapshot struct {
	HeapUsagePercent        float64   `json:"heap_usage_percent"`
	CacheUtilizationPercent float64   `json:"cache_utilization_percent"`
	LatencyMs               float64   `json:"latency_ms"`
	ThroughputOpsPerSec     float64   `json:"throughput_ops_per_sec"`
	ErrorRatePercent        float64   `json:"error_rate_percent"`
	LatencyWindowMs         []float64 `json:"latency_window_ms,omitempty"`
}

// EvaluateMemory combines heap and cache utilization into one weighted
// memory-health result (0.6 heap, 0.4 cache).
func EvaluateMemory(snap Snapshot, cfg ThresholdConfig) Result {
	heap := Evaluate("memory.heapUsage", snap.HeapUsagePercent, cfg.MemoryHeapUsage)
	cache := Evaluate("memory.cacheUtilization", snap.CacheUtilizationPercent, cfg.MemoryCacheUtilization)

	r := Result{
		Family: "memory",
		Score:  0.6*heap.Score + 0.4*cache.Score,
		Level:  maxLevel(heap.Level, cache.Level),
	}
	r.Violations = append(r.Violations, heap.Violations...)
	r.Violations = append(r.Violations, cache.Violations...)
	r.Recommendations = append(r.Recommendations, heap.Recommendations...)
	r.Recommendations = append(r.Recommendations, cache.Recommendations...)
	r.IsValid = r.Score >= 0.8
	return r
}

// EvaluatePerformance combines latency, throughput and a latency spike score
// (0.4 latency, 0.3 throughput, 0.3 spike). The spike score penalizes window
// samples more than two standard deviations above the window mean.
func EvaluatePerformance(snap Snapshot, cfg ThresholdConfig) Result {
	lat := Evaluate("performance.latency", snap.LatencyMs, cfg.PerformanceLatency)
	thr := EvaluateFloor("performance.throughput", snap.ThroughputOpsPerSec, cfg.PerformanceThroughput)
	spike := spikeScore(snap.LatencyWindowMs)

	r := Result{
		Family: "performance",
		Score:  0.4*lat.Score + 0.3*thr.Score + 0.3*spike,
		Level:  maxLevel(lat.Level, thr.Level),
	}
	r.Violations = append(r.Violations, lat.Violations...)
	r.Violations = append(r.Violations, thr.Violations...)
	r.Recommendations = append(r.Recommendations, lat.Recommendations...)
	r.Recommendations = append(r.Recommendations, thr.Recommendations...)
	if spike < 1.0 {
		r.Recommendations = append(r.Recommendations, "investigate latency spikes in recent window")
	}
	r.IsValid = r.Score >= 0.8
	return r
}

// EvaluateErrors scores the error-rate family.
func EvaluateErrors(snap Snapshot, cfg ThresholdConfig) Result {
	r := Evaluate("error.errorRate", snap.ErrorRatePercent, cfg.ErrorRate)
	r.Family = "error"
	return r
}

// EvaluateAll runs every family evaluator over a snapshot.
func EvaluateAll(snap Snapshot, cfg ThresholdConfig) []Result {
	return []Result{
		EvaluateMemory(snap, cfg),
		EvaluatePerformance(snap, cfg),
		EvaluateErrors(snap, cfg),
	}
}

// AggregateScore returns the arithmetic mean of all per-family scores.
// Absence of evidence is not evidence of unhealthiness: an empty result set
// scores 1.0.
func AggregateScore(results []Result) float64 {
	if len(results) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, r := range results {
		sum += r.Score
	}
	return sum / float64(len(results))
}

// spikeScore returns 1.0 for a calm window and decreases linearly with the
// fraction of samples landing more than 2 standard deviations above the mean.
func spikeScore(window []float64) float64 {
	if len(window) < 3 {
		return 1.0
	}

	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))

	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(window)))
	if stddev == 0 {
		return 1.0
	}

	outliers := 0
	for _, v := range window {
		if v > mean+2*stddev {
			outliers++
		}
	}

	score := 1.0 - float64(outliers)/float64(len(window))
	if score < 0 {
		return 0
	}
	return score
}

func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
