package config

// GuardrailsConfig bounds the task graph so runaway agents cannot grow it
// without limit.
type GuardrailsConfig struct {
	// MaxTaskDepth is the maximum parent chain length. A root task has
	// depth 0; creation fails once a child would exceed this.
	MaxTaskDepth int `yaml:"max_task_depth"`

	// MaxTasksPerGroup caps live (blocked, pending, in_progress) tasks
	// per group. Terminal tasks do not count.
	MaxTasksPerGroup int `yaml:"max_tasks_per_group"`

	// RejectionCycleLimit is the number of rework cycles between the same
	// pair of roles before the loop is broken by failing the task.
	RejectionCycleLimit int `yaml:"rejection_cycle_limit"`
}

// DefaultGuardrailsConfig returns the built-in guardrail defaults.
func DefaultGuardrailsConfig() *GuardrailsConfig {
	return &GuardrailsConfig{
		MaxTaskDepth:        10,
		MaxTasksPerGroup:    50,
		RejectionCycleLimit: 3,
	}
}
