package detector

import (
	"time"
)

// AvailabilityStatus summarizes system-wide resource headroom.
type AvailabilityStatus string

const (
	// StatusOK - every category below the warning threshold
	StatusOK AvailabilityStatus = "ok"
	// StatusConstrained - at least one category crossed the warning threshold
	StatusConstrained AvailabilityStatus = "constrained"
	// StatusExhausted - at least one category crossed the critical threshold
	StatusExhausted AvailabilityStatus = "exhausted"
)

// MemoryAvailability describes memory headroom.
type MemoryAvailability struct {
	IsAvailable        bool    `json:"is_available"`
	UtilizationPercent float64 `json:"utilization_percent"`
	AvailableAmount    int64   `json:"available_amount"` // bytes
}

// CPUAvailability describes CPU headroom.
type CPUAvailability struct {
	IsAvailable        bool    `json:"is_available"`
	UtilizationPercent float64 `json:"utilization_percent"`
	AvailableCores     float64 `json:"available_cores"`
}

// DiskAvailability describes disk headroom.
type DiskAvailability struct {
	IsAvailable        bool    `json:"is_available"`
	UtilizationPercent float64 `json:"utilization_percent"`
	AvailableSpace     int64   `json:"available_space"` // bytes
}

// Availability is one periodically refreshed snapshot of system resource
// availability and utilization.
type Availability struct {
	Status    AvailabilityStatus `json:"status"`
	Memory    MemoryAvailability `json:"memory"`
	CPU       CPUAvailability    `json:"cpu"`
	Disk      DiskAvailability   `json:"disk"`
	Timestamp time.Time          `json:"timestamp"`
}

// Alert is raised when a category crosses a configured threshold or when
// sampling itself fails.
type Alert struct {
	Category           string    `json:"category"` // memory, cpu, disk, sampling
	Message            string    `json:"message"`
	UtilizationPercent float64   `json:"utilization_percent"`
	Threshold          float64   `json:"threshold"`
	Critical           bool      `json:"critical"`
	Timestamp          time.Time `json:"timestamp"`
}

// UpdateCallback receives fresh availability snapshots.
type UpdateCallback func(Availability)

// AlertCallback receives threshold-crossing and sampling alerts.
type AlertCallback func(Alert)

// Detector periodically samples system resource availability. It is a pure
// data source: no pooling logic lives here.
type Detector interface {
	// Start begins periodic sampling.
	Start()
	// Stop pauses periodic sampling; Start may be called again.
	Stop()
	// Dispose stops sampling permanently and releases timers.
	Dispose()
	// Availability samples synchronously and returns the snapshot. On a
	// sampling failure it returns the last known snapshot together with the
	// error, so consumers can fail open.
	Availability() (Availability, error)
	// OnUpdate registers a callback invoked after each periodic sample.
	OnUpdate(cb UpdateCallback)
	// OnAlert registers a callback invoked on threshold crossings.
	OnAlert(cb AlertCallback)
}

// statusFor derives the summary status from category utilizations.
func statusFor(av *Availability, warningPercent, criticalPercent float64) AvailabilityStatus {
	worst := av.Memory.UtilizationPercent
	if av.CPU.UtilizationPercent > worst {
		worst = av.CPU.UtilizationPercent
	}
	if av.Disk.UtilizationPercent > worst {
		worst = av.Disk.UtilizationPercent
	}
	switch {
	case worst >= criticalPercent:
		return StatusExhausted
	case worst >= warningPercent:
		return StatusConstrained
	default:
		return StatusOK
	}
}
