package api

import (
	"time"

	"github.com/capacityd/capacityd/pkg/health"
	"github.com/capacityd/capacityd/pkg/metrics"
	"github.com/capacityd/capacityd/pkg/pool"
)

// AllocateRequest is the POST /v1/leases body.
type AllocateRequest struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Priority     string            `json:"priority,omitempty"`
	Requirements pool.Requirements `json:"requirements,omitempty"`
}

// LeaseResponse echoes an allocated lease back to the caller.
type LeaseResponse struct {
	ID           string            `json:"id"`
	RequestID    string            `json:"request_id"`
	Type         string            `json:"type"`
	Requirements pool.Requirements `json:"requirements"`
	AllocatedAt  time.Time         `json:"allocated_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	State        string            `json:"state"`
}

// PoolStatusResponse is the GET /v1/pool body.
type PoolStatusResponse struct {
	Health      string     `json:"health"`
	Utilization float64    `json:"utilization"`
	Score       float64    `json:"score"`
	Stats       pool.Stats `json:"stats"`
}

// HealthStateResponse reports the effective health state with its evidence.
type HealthStateResponse struct {
	Status     string           `json:"status"`
	Score      float64          `json:"score"`
	Indicators metrics.Snapshot `json:"indicators"`
	Results    []metrics.Result `json:"results,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// TransitionEvent is one entry of the health history, also streamed over
// the watch websocket.
type TransitionEvent struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Error is the structured API error body.
type Error struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ErrorResponse wraps an API error.
type ErrorResponse struct {
	Error Error `json:"error"`
}

func leaseResponse(res pool.Resource) LeaseResponse {
	return LeaseResponse{
		ID:           res.ID,
		RequestID:    res.RequestID,
		Type:         string(res.Type),
		Requirements: res.Requirements,
		AllocatedAt:  res.AllocatedAt,
		ExpiresAt:    res.ExpiresAt,
		State:        string(res.State),
	}
}

func transitionEvent(t health.Transition) TransitionEvent {
	return TransitionEvent{
		ID:        t.ID,
		From:      string(t.From),
		To:        string(t.To),
		Reason:    t.Reason,
		Timestamp: t.Timestamp,
	}
}

func healthStateResponse(s health.State) HealthStateResponse {
	return HealthStateResponse{
		Status:     string(s.Status),
		Score:      s.Score,
		Indicators: s.Indicators,
		Results:    s.Results,
		Timestamp:  s.Timestamp,
	}
}
