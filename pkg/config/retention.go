package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// GroupRetentionDays is how many days to keep fully terminal task
	// groups before deleting them and their tasks.
	GroupRetentionDays int `yaml:"group_retention_days"`

	// EventTTL is the maximum age of journal events before deletion.
	EventTTL time.Duration `yaml:"event_ttl"`

	// MaxEvents bounds the journal size regardless of age. Oldest rows
	// are pruned first.
	MaxEvents int `yaml:"max_events"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		GroupRetentionDays: 30,
		EventTTL:           24 * time.Hour,
		MaxEvents:          10000,
		CleanupInterval:    12 * time.Hour,
	}
}
