package config

// TeamYAMLConfig represents the complete team.yaml file structure
type TeamYAMLConfig struct {
	Team       *TeamSettings     `yaml:"team"`
	Guardrails *GuardrailsConfig `yaml:"guardrails"`
	Fleet      *FleetConfig      `yaml:"fleet"`
	Retention  *RetentionConfig  `yaml:"retention"`
	API        *APIConfig        `yaml:"api"`
}

// TeamSettings groups team-wide settings from team.yaml.
type TeamSettings struct {
	// Name identifies the team in logs and the API.
	Name string `yaml:"name"`

	// DatabasePath is the SQLite database file. Empty means in-memory,
	// which is only useful for tests.
	DatabasePath string `yaml:"database_path"`

	// EntryRole receives the root task of every submitted goal.
	EntryRole string `yaml:"entry_role"`

	// EntryTaskType is the task type assigned to root tasks.
	EntryTaskType string `yaml:"entry_task_type"`

	// RoutingMode controls whether rework routing is limited to each
	// role's declared routes_to targets.
	RoutingMode RoutingMode `yaml:"routing_mode"`

	// DefaultModel is used by roles that do not set their own model.
	DefaultModel string `yaml:"default_model"`
}

// DefaultTeamSettings returns the built-in team defaults.
func DefaultTeamSettings() *TeamSettings {
	return &TeamSettings{
		Name:          "conductor",
		DatabasePath:  "conductor.db",
		EntryRole:     "pm",
		EntryTaskType: "goal",
		RoutingMode:   RoutingModeOpen,
	}
}
