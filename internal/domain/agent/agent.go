// Package agent defines the Agent domain entity.
package agent

import (
	"slices"
	"time"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusOffline     Status = "offline"
	StatusCircuitOpen Status = "circuit_open"
	StatusHalfOpen    Status = "half_open"
)

// Agent represents a registered worker agent.
// Agents are never hard-deleted; an agent that stops heartbeating is marked
// offline and its in-flight task is released for reassignment.
type Agent struct {
	ID                  string    `json:"id"`
	Capabilities        []string  `json:"capabilities"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	LastAssignment      time.Time `json:"last_assignment"`
	CurrentTaskID       string    `json:"current_task_id,omitempty"`
	EpochLoad           int       `json:"epoch_load"`
	Version             int       `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasCapabilities reports whether the agent provides every required capability.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, cap := range required {
		if !slices.Contains(a.Capabilities, cap) {
			return false
		}
	}
	return true
}

// RegisterRequest holds the fields needed to register an agent.
// Registering an already-known ID updates its capabilities instead of erroring.
type RegisterRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}
