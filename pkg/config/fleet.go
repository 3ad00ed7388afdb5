package config

import "time"

// FleetConfig contains agent fleet timing and lifecycle configuration.
// These values control how agent loops poll, claim, and recover tasks.
type FleetConfig struct {
	// HeartbeatInterval is how often a busy agent refreshes its
	// heartbeat row.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleAfter is how long an agent can go without a heartbeat before
	// the reaper declares it dead and releases its claimed task.
	StaleAfter time.Duration `yaml:"stale_after"`

	// ReaperInterval is how often the reaper scans for stale agents.
	ReaperInterval time.Duration `yaml:"reaper_interval"`

	// AutoscaleInterval is how often the autoscaler evaluates queue
	// depths against each role's scaling rules.
	AutoscaleInterval time.Duration `yaml:"autoscale_interval"`

	// PollFloor is the idle agent's fallback poll interval. Event wakes
	// arrive faster; the floor catches tasks unblocked without an event.
	PollFloor time.Duration `yaml:"poll_floor"`

	// TaskTimeout is the per-invocation wall clock limit for a provider.
	// Expiry fails the task as transient.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// RetryLimit is how many transient failures a task survives before
	// it is failed permanently.
	RetryLimit int `yaml:"retry_limit"`

	// ShutdownTimeout is the graceful stop deadline. Loops still running
	// after it are force-cancelled.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultFleetConfig returns the built-in fleet defaults.
func DefaultFleetConfig() *FleetConfig {
	return &FleetConfig{
		HeartbeatInterval: 15 * time.Second,
		StaleAfter:        60 * time.Second,
		ReaperInterval:    30 * time.Second,
		AutoscaleInterval: 5 * time.Second,
		PollFloor:         1 * time.Second,
		TaskTimeout:       30 * time.Minute,
		RetryLimit:        3,
		ShutdownTimeout:   30 * time.Second,
	}
}
