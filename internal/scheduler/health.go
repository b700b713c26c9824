package scheduler

import "time"

// Phase is the monitor lifecycle state.
type Phase string

const (
	PhaseUninitialized  Phase = "uninitialized"
	PhaseHealthChecking Phase = "health_checking"
	PhaseHealthy        Phase = "healthy"
	PhaseUnhealthy      Phase = "unhealthy"
	PhasePolling        Phase = "polling"
	PhaseStopped        Phase = "stopped"
)

// HealthStatus is the upstream liveness verdict.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthState is owned by the monitor and only mutated by its health check.
type HealthState struct {
	Status          HealthStatus `json:"status"`
	IsHealthy       bool         `json:"is_healthy"`
	LastHealthCheck time.Time    `json:"last_health_check"`
	LastError       string       `json:"last_error,omitempty"`
	BlockNumber     uint64       `json:"block_number,omitempty"`
}
