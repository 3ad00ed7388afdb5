package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load team.yaml and roles/*.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-defined values over built-in defaults
//  5. Build the role registry
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"team", cfg.Team.Name,
		"roles", stats.Roles,
		"autoscaled_roles", stats.Autoscale)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load team.yaml (team settings plus optional sections)
	teamYAML, err := loader.loadTeamYAML()
	if err != nil {
		return nil, NewLoadError("team.yaml", err)
	}

	// 2. Load role definitions from roles/*.yaml
	roles, err := loader.loadRoles()
	if err != nil {
		return nil, err
	}

	// 3. Resolve sections (merge user YAML over built-in defaults)
	team := DefaultTeamSettings()
	if teamYAML.Team != nil {
		if err := mergo.Merge(team, teamYAML.Team, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge team settings: %w", err)
		}
	}

	guardrails := DefaultGuardrailsConfig()
	if teamYAML.Guardrails != nil {
		if err := mergo.Merge(guardrails, teamYAML.Guardrails, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge guardrails config: %w", err)
		}
	}

	fleet := DefaultFleetConfig()
	if teamYAML.Fleet != nil {
		if err := mergo.Merge(fleet, teamYAML.Fleet, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge fleet config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if teamYAML.Retention != nil {
		if err := mergo.Merge(retention, teamYAML.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	api := DefaultAPIConfig()
	if teamYAML.API != nil {
		if err := mergo.Merge(api, teamYAML.API, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge api config: %w", err)
		}
	}

	// 4. Apply per-role defaults
	for _, role := range roles {
		if err := resolveRole(role, team); err != nil {
			return nil, err
		}
	}

	return &Config{
		configDir:  configDir,
		Team:       team,
		Guardrails: guardrails,
		Fleet:      fleet,
		Retention:  retention,
		API:        api,
		Roles:      NewRoleRegistry(roles),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadTeamYAML() (*TeamYAMLConfig, error) {
	var config TeamYAMLConfig

	if err := l.loadYAML("team.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadRoles loads every roles/*.yaml file, one role definition per file.
func (l *configLoader) loadRoles() (map[string]*RoleConfig, error) {
	pattern := filepath.Join(l.configDir, "roles", "*.yaml")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, NewLoadError(pattern, err)
	}

	roles := make(map[string]*RoleConfig, len(paths))
	for _, path := range paths {
		rel := filepath.Join("roles", filepath.Base(path))

		var role RoleConfig
		if err := l.loadYAML(rel, &role); err != nil {
			return nil, NewLoadError(rel, err)
		}

		if role.Role == "" {
			return nil, NewLoadError(rel, fmt.Errorf("%w: role", ErrMissingRequiredField))
		}
		if _, ok := roles[role.Role]; ok {
			return nil, NewLoadError(rel, fmt.Errorf("%w: role '%s' already defined", ErrInvalidValue, role.Role))
		}

		roles[role.Role] = &role
	}

	return roles, nil
}

// resolveRole applies per-role defaults after YAML parsing.
func resolveRole(role *RoleConfig, team *TeamSettings) error {
	if role.MaxInstances == 0 {
		role.MaxInstances = 1
	}
	if role.Model == "" {
		role.Model = team.DefaultModel
	}

	if role.AutoScale != nil {
		scaled := DefaultAutoScaleConfig()
		if err := mergo.Merge(scaled, role.AutoScale, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge auto_scale for role %s: %w", role.Role, err)
		}
		role.AutoScale = scaled
	}

	if role.Provider == nil {
		role.Provider = &ProviderConfig{Kind: ProviderKindStub}
	} else if role.Provider.Kind == "" {
		// Kind can be inferred when a command is given
		if len(role.Provider.Command) > 0 {
			role.Provider.Kind = ProviderKindCommand
		} else {
			role.Provider.Kind = ProviderKindStub
		}
	}

	return nil
}
