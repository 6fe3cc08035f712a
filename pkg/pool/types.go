package pool

import (
	"fmt"
	"time"
)

// ResourceType classifies what kind of capacity a request leases.
type ResourceType string

const (
	ResourceTypeMemory  ResourceType = "memory"
	ResourceTypeCPU     ResourceType = "cpu"
	ResourceTypeDisk    ResourceType = "disk"
	ResourceTypeGeneric ResourceType = "generic"
)

// IsValid returns true for a known resource type.
func (rt ResourceType) IsValid() bool {
	switch rt {
	case ResourceTypeMemory, ResourceTypeCPU, ResourceTypeDisk, ResourceTypeGeneric:
		return true
	default:
		return false
	}
}

// Priority orders requests for observability; allocation itself is
// immediate-or-fail, so priority never queues.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValid returns true for a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// Requirements carries the sizing of a lease request. Zero values mean
// "no specific requirement"; TimeoutMs falls back to the pool default.
type Requirements struct {
	MemoryMB  int64   `json:"memory_mb,omitempty"`
	CPUCores  float64 `json:"cpu_cores,omitempty"`
	TimeoutMs int64   `json:"timeout_ms,omitempty"`
}

// Request is an immutable resource request.
type Request struct {
	ID           string       `json:"id"`
	Type         ResourceType `json:"type"`
	Priority     Priority     `json:"priority"`
	Requirements Requirements `json:"requirements"`
}

// Validate checks the request shape before it touches pool state.
func (r Request) Validate() error {
	if r.ID == "" {
		return NewValidationError("request id must not be empty", nil)
	}
	if !r.Type.IsValid() {
		return NewValidationError("unknown resource type", map[string]string{
			"request_id": r.ID,
			"type":       string(r.Type),
		})
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return NewValidationError("unknown priority", map[string]string{
			"request_id": r.ID,
			"priority":   string(r.Priority),
		})
	}
	if r.Requirements.MemoryMB < 0 || r.Requirements.CPUCores < 0 || r.Requirements.TimeoutMs < 0 {
		return NewValidationError("requirements must not be negative", map[string]string{
			"request_id": r.ID,
			"memory_mb":  fmt.Sprintf("%d", r.Requirements.MemoryMB),
			"cpu_cores":  fmt.Sprintf("%g", r.Requirements.CPUCores),
			"timeout_ms": fmt.Sprintf("%d", r.Requirements.TimeoutMs),
		})
	}
	return nil
}

// LeaseState tracks the lifecycle of a lease. Active leases transition to
// released on explicit release or to stale when the cleanup sweep observes
// the expiry first; both are terminal.
type LeaseState string

const (
	LeaseStateActive   LeaseState = "active"
	LeaseStateReleased LeaseState = "released"
	LeaseStateStale    LeaseState = "stale"
)

// Resource is the lease handle returned by Allocate. The pool owns the
// authoritative record; callers hold an opaque copy.
type Resource struct {
	ID           string       `json:"id"`
	RequestID    string       `json:"request_id"`
	Type         ResourceType `json:"type"`
	Requirements Requirements `json:"requirements"`
	AllocatedAt  time.Time    `json:"allocated_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	State        LeaseState   `json:"state"`
}

// EventKind classifies pool lifecycle events for observers.
type EventKind string

const (
	EventAllocated        EventKind = "allocated"
	EventReleased         EventKind = "released"
	EventSweptStale       EventKind = "swept_stale"
	EventAllocationFailed EventKind = "allocation_failed"
)

// Event is delivered to registered pool observers on lease lifecycle changes.
type Event struct {
	Kind      EventKind    `json:"kind"`
	LeaseID   string       `json:"lease_id,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	Type      ResourceType `json:"type,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Detail    string       `json:"detail,omitempty"`
}

// Observer receives pool lifecycle events.
type Observer func(Event)

// MonitorView is the cheap health-and-utilization read returned by Monitor.
type MonitorView struct {
	Health      string  `json:"health"`
	Utilization float64 `json:"utilization"`
}

// Stats reports pool counters.
type Stats struct {
	TotalAllocations  int64         `json:"total_allocations"`
	FailedAllocations int64         `json:"failed_allocations"`
	FailedReleases    int64         `json:"failed_releases"`
	CacheHits         int64         `json:"cache_hits"`
	CacheHitRate      float64       `json:"cache_hit_rate"`
	ActiveLeases      int           `json:"active_leases"`
	Sweeps            int64         `json:"sweeps"`
	SweptLeases       int64         `json:"swept_leases"`
	AvgAllocation     time.Duration `json:"avg_allocation"`
}
