package config

import "time"

// RoleConfig defines a single agent role, loaded from one file under
// the roles/ directory.
type RoleConfig struct {
	// Role is the unique role name, e.g. "pm" or "coder". Tasks are
	// assigned to roles, never to individual instances.
	Role string `yaml:"role"`

	// DisplayName is the human-readable name shown in the dashboard.
	DisplayName string `yaml:"display_name"`

	// Prefix namespaces task ids, e.g. "CD" yields CD-1, CD-2.
	Prefix string `yaml:"prefix"`

	// Color and Emoji decorate the role in UIs. Opaque to the core.
	Color string `yaml:"color,omitempty"`
	Emoji string `yaml:"emoji,omitempty"`

	// SystemPrompt is passed verbatim to the provider.
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// Model overrides the team default model for this role.
	Model string `yaml:"model,omitempty"`

	// Tools lists tool identifiers handed to the provider. Opaque to
	// the core.
	Tools []string `yaml:"tools,omitempty"`

	// Accepts lists the task types instances of this role may claim.
	Accepts []string `yaml:"accepts"`

	// Produces lists the task types this role may emit as child tasks.
	Produces []string `yaml:"produces,omitempty"`

	// RoutesTo declares which roles this role's output may be routed
	// to, per task type.
	RoutesTo []RouteRule `yaml:"routes_to,omitempty"`

	// MaxInstances caps concurrent instances of this role.
	MaxInstances int `yaml:"max_instances,omitempty"`

	// AutoScale enables demand-driven scaling between 1 and
	// MaxInstances. Nil means fixed at one instance.
	AutoScale *AutoScaleConfig `yaml:"auto_scale,omitempty"`

	// Provider selects how this role's tasks are executed. Nil means
	// the stub provider.
	Provider *ProviderConfig `yaml:"provider,omitempty"`
}

// RouteRule allows routing work to a target role for the listed task types.
type RouteRule struct {
	Role      string   `yaml:"role"`
	TaskTypes []string `yaml:"task_types"`
}

// AutoScaleConfig controls demand-driven instance scaling for a role.
type AutoScaleConfig struct {
	// Enabled turns scaling on. Disabled roles run one instance.
	Enabled bool `yaml:"enabled"`

	// ScaleUpThreshold is the pending queue depth per idle instance
	// above which a new instance is started.
	ScaleUpThreshold int `yaml:"scale_up_threshold"`

	// ScaleDownIdleSeconds is how long an instance must sit idle with an
	// empty queue before it is stopped.
	ScaleDownIdleSeconds int `yaml:"scale_down_idle_seconds"`

	// CooldownSeconds is the minimum gap between scaling actions.
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// ScaleDownIdle returns the idle threshold as a duration.
func (a *AutoScaleConfig) ScaleDownIdle() time.Duration {
	return time.Duration(a.ScaleDownIdleSeconds) * time.Second
}

// Cooldown returns the cooldown as a duration.
func (a *AutoScaleConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// ProviderConfig selects and parameterizes the execution provider for a role.
type ProviderConfig struct {
	// Kind selects the provider implementation.
	Kind ProviderKind `yaml:"kind"`

	// Command is the argv launched per task for kind "command". The
	// task is fed on stdin as JSON; output is read as a JSONL stream.
	Command []string `yaml:"command,omitempty"`

	// Env adds environment overrides for the subprocess.
	Env map[string]string `yaml:"env,omitempty"`
}

// DefaultAutoScaleConfig returns the built-in auto-scale defaults applied
// when a role enables scaling without tuning it.
func DefaultAutoScaleConfig() *AutoScaleConfig {
	return &AutoScaleConfig{
		Enabled:              false,
		ScaleUpThreshold:     3,
		ScaleDownIdleSeconds: 60,
		CooldownSeconds:      30,
	}
}
