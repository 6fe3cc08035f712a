package health

import (
	"fmt"
	"time"

	"github.com/capacityd/capacityd/pkg/metrics"
)

// RecoveryConfig governs how much sustained evidence is required before a
// downgraded system is allowed back toward healthy.
type RecoveryConfig struct {
	MinHealthySamples   int           `json:"min_healthy_samples" yaml:"min_healthy_samples" mapstructure:"min_healthy_samples"`
	ValidationWindow    int           `json:"validation_window" yaml:"validation_window" mapstructure:"validation_window"`
	RequiredSuccessRate float64       `json:"required_success_rate" yaml:"required_success_rate" mapstructure:"required_success_rate"`
	CooldownPeriod      time.Duration `json:"cooldown_period" yaml:"cooldown_period" mapstructure:"cooldown_period"`
}

// DefaultRecoveryConfig returns conservative recovery gating.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MinHealthySamples:   3,
		ValidationWindow:    5,
		RequiredSuccessRate: 0.6,
		CooldownPeriod:      30 * time.Second,
	}
}

// Validate checks the recovery configuration.
func (c RecoveryConfig) Validate() error {
	if c.MinHealthySamples < 1 {
		return fmt.Errorf("min_healthy_samples must be at least 1, got %d", c.MinHealthySamples)
	}
	if c.ValidationWindow < c.MinHealthySamples {
		return fmt.Errorf("validation_window %d must be at least min_healthy_samples %d", c.ValidationWindow, c.MinHealthySamples)
	}
	if c.RequiredSuccessRate < 0 || c.RequiredSuccessRate > 1 {
		return fmt.Errorf("required_success_rate must be within [0,1], got %f", c.RequiredSuccessRate)
	}
	if c.CooldownPeriod < 0 {
		return fmt.Errorf("cooldown_period must not be negative")
	}
	return nil
}

// RecoveryValidator decides whether recovery-direction transitions have
// enough sustained evidence behind them.
type RecoveryValidator struct {
	config     RecoveryConfig
	thresholds metrics.ThresholdConfig
}

// NewRecoveryValidator creates a validator over the given configuration.
func NewRecoveryValidator(config RecoveryConfig, thresholds metrics.ThresholdConfig) *RecoveryValidator {
	return &RecoveryValidator{config: config, thresholds: thresholds}
}

// CanRecover gates degraded -> healthy. It requires both (a) every metric
// family back inside its recovery band, and (b) measured performance improved
// over the previous sample (latency down and throughput up) or the error
// rate held steady-or-better. The OR-gate between performance improvement
// and error-rate stability is deliberate; see the repository design notes.
func (v *RecoveryValidator) CanRecover(h *History, now time.Time, lastDowngrade time.Time) (bool, string) {
	if ok, reason := v.cooledDown(now, lastDowngrade); !ok {
		return false, reason
	}

	latest, ok := h.Latest()
	if !ok {
		return false, "no samples to validate recovery"
	}

	if !v.meetsRecoveryThresholds(latest.Indicators) {
		return false, "metrics not yet within recovery bounds"
	}

	prev, ok := h.Previous()
	if !ok {
		// Nothing to compare against; absolute thresholds carry the decision.
		return true, "recovery thresholds met, no prior sample to compare"
	}

	perfImproved := latest.Indicators.LatencyMs < prev.Indicators.LatencyMs &&
		latest.Indicators.ThroughputOpsPerSec > prev.Indicators.ThroughputOpsPerSec
	errorsSteady := latest.Indicators.ErrorRatePercent <= prev.Indicators.ErrorRatePercent

	if !perfImproved && !errorsSteady {
		return false, "no performance improvement and error rate regressed"
	}

	return true, "recovery thresholds met with sustained improvement"
}

// CanStepDown gates unhealthy -> degraded: the last MinHealthySamples
// samples must show a monotonic improvement trend with the most recent one
// no longer critical, and the improvement rate over the validation window
// must reach RequiredSuccessRate.
func (v *RecoveryValidator) CanStepDown(h *History, now time.Time, lastDowngrade time.Time) (bool, string) {
	if ok, reason := v.cooledDown(now, lastDowngrade); !ok {
		return false, reason
	}

	recent := h.LastN(v.config.MinHealthySamples)
	if len(recent) < v.config.MinHealthySamples {
		return false, fmt.Sprintf("need %d samples, have %d", v.config.MinHealthySamples, len(recent))
	}

	latest := recent[len(recent)-1]
	if latest.Status == StatusUnhealthy {
		return false, "most recent sample still critical"
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Score < recent[i-1].Score {
			return false, "improvement trend broken within required consecutive samples"
		}
	}

	window := h.LastN(v.config.ValidationWindow)
	if len(window) >= 2 {
		improving := 0
		for i := 1; i < len(window); i++ {
			if window[i].Score >= window[i-1].Score {
				improving++
			}
		}
		rate := float64(improving) / float64(len(window)-1)
		if rate < v.config.RequiredSuccessRate {
			return false, fmt.Sprintf("improvement rate %.2f below required %.2f", rate, v.config.RequiredSuccessRate)
		}
	}

	return true, "sustained improvement observed"
}

func (v *RecoveryValidator) cooledDown(now time.Time, lastDowngrade time.Time) (bool, string) {
	if lastDowngrade.IsZero() || v.config.CooldownPeriod <= 0 {
		return true, ""
	}
	if elapsed := now.Sub(lastDowngrade); elapsed < v.config.CooldownPeriod {
		return false, fmt.Sprintf("cooldown active for another %s", v.config.CooldownPeriod-elapsed)
	}
	return true, ""
}

func (v *RecoveryValidator) meetsRecoveryThresholds(snap metrics.Snapshot) bool {
	return metrics.WithinRecovery(snap.HeapUsagePercent, v.thresholds.MemoryHeapUsage) &&
		metrics.WithinRecovery(snap.CacheUtilizationPercent, v.thresholds.MemoryCacheUtilization) &&
		metrics.WithinRecovery(snap.LatencyMs, v.thresholds.PerformanceLatency) &&
		metrics.WithinRecoveryFloor(snap.ThroughputOpsPerSec, v.thresholds.PerformanceThroughput) &&
		metrics.WithinRecovery(snap.ErrorRatePercent, v.thresholds.ErrorRate)
}
