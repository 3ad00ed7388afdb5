package config

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the orchestrator.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Team-wide settings
	Team *TeamSettings

	// Task graph guardrails
	Guardrails *GuardrailsConfig

	// Agent fleet timings
	Fleet *FleetConfig

	// Retention and cleanup
	Retention *RetentionConfig

	// HTTP API and WebSocket stream
	API *APIConfig

	// Role catalog
	Roles *RoleRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Roles     int
	Autoscale int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Roles != nil {
		s.Roles = c.Roles.Len()
		for _, role := range c.Roles.GetAll() {
			if role.AutoScale != nil && role.AutoScale.Enabled {
				s.Autoscale++
			}
		}
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetRole retrieves a role configuration by name.
// This is a convenience method that wraps Roles.Get().
func (c *Config) GetRole(name string) (*RoleConfig, error) {
	return c.Roles.Get(name)
}

// EntryRole returns the role that receives root goal tasks.
func (c *Config) EntryRole() (*RoleConfig, error) {
	return c.Roles.Get(c.Team.EntryRole)
}
