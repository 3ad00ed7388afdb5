package models

import "time"

// AgentStatus is the lifecycle state of one agent instance.
type AgentStatus string

const (
	AgentStatusIdle     AgentStatus = "idle"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusPaused   AgentStatus = "paused"
	AgentStatusStopping AgentStatus = "stopping"
	AgentStatusStopped  AgentStatus = "stopped"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusPaused,
		AgentStatusStopping, AgentStatusStopped:
		return true
	}
	return false
}

// AgentInstance is one running loop of a role, persisted so the reaper can
// recover tasks claimed by instances that stopped heartbeating.
type AgentInstance struct {
	ID              string      `json:"id"`
	Role            string      `json:"role"`
	Status          AgentStatus `json:"status"`
	CurrentTaskID   *string     `json:"current_task_id,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	StoppedAt       *time.Time  `json:"stopped_at,omitempty"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
}
