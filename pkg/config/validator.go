package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: team → roles → routing
	// Roles must be valid before routing references are checked

	if err := v.validateTeam(); err != nil {
		return fmt.Errorf("team validation failed: %w", err)
	}

	if err := v.validateRoles(); err != nil {
		return fmt.Errorf("role validation failed: %w", err)
	}

	if err := v.validateRouting(); err != nil {
		return fmt.Errorf("routing validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateTeam() error {
	team := v.cfg.Team

	if v.cfg.Roles.Len() == 0 {
		return NewValidationError("team", team.Name, "roles", fmt.Errorf("at least one role definition required"))
	}

	if !team.RoutingMode.IsValid() {
		return NewValidationError("team", team.Name, "routing_mode", fmt.Errorf("invalid mode: %s", team.RoutingMode))
	}

	entry, err := v.cfg.Roles.Get(team.EntryRole)
	if err != nil {
		return NewValidationError("team", team.Name, "entry_role", fmt.Errorf("%w: role '%s' not found", ErrInvalidReference, team.EntryRole))
	}
	if !entry.AcceptsType(team.EntryTaskType) {
		return NewValidationError("team", team.Name, "entry_task_type",
			fmt.Errorf("role '%s' does not accept task type '%s'", team.EntryRole, team.EntryTaskType))
	}

	g := v.cfg.Guardrails
	if g.MaxTaskDepth < 1 {
		return NewValidationError("team", team.Name, "guardrails.max_task_depth", fmt.Errorf("must be at least 1"))
	}
	if g.MaxTasksPerGroup < 1 {
		return NewValidationError("team", team.Name, "guardrails.max_tasks_per_group", fmt.Errorf("must be at least 1"))
	}
	if g.RejectionCycleLimit < 1 {
		return NewValidationError("team", team.Name, "guardrails.rejection_cycle_limit", fmt.Errorf("must be at least 1"))
	}

	return nil
}

func (v *ConfigValidator) validateRoles() error {
	prefixes := make(map[string]string)

	for _, role := range v.cfg.Roles.All() {
		name := role.Role

		if role.Prefix == "" {
			return NewValidationError("role", name, "prefix", ErrMissingRequiredField)
		}
		if other, taken := prefixes[role.Prefix]; taken {
			return NewValidationError("role", name, "prefix",
				fmt.Errorf("prefix '%s' already used by role '%s'", role.Prefix, other))
		}
		prefixes[role.Prefix] = name

		if len(role.Accepts) == 0 {
			return NewValidationError("role", name, "accepts", fmt.Errorf("at least one task type required"))
		}

		if role.MaxInstances < 1 {
			return NewValidationError("role", name, "max_instances", fmt.Errorf("must be at least 1"))
		}

		if as := role.AutoScale; as != nil && as.Enabled {
			if as.ScaleUpThreshold < 1 {
				return NewValidationError("role", name, "auto_scale.scale_up_threshold", fmt.Errorf("must be at least 1"))
			}
			if as.ScaleDownIdleSeconds < 1 {
				return NewValidationError("role", name, "auto_scale.scale_down_idle_seconds", fmt.Errorf("must be at least 1"))
			}
			if as.CooldownSeconds < 0 {
				return NewValidationError("role", name, "auto_scale.cooldown_seconds", fmt.Errorf("must not be negative"))
			}
		}

		if p := role.Provider; p != nil {
			if !p.Kind.IsValid() {
				return NewValidationError("role", name, "provider.kind", fmt.Errorf("%w: %s", ErrInvalidValue, p.Kind))
			}
			if p.Kind == ProviderKindCommand && len(p.Command) == 0 {
				return NewValidationError("role", name, "provider.command", ErrMissingRequiredField)
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateRouting() error {
	for _, role := range v.cfg.Roles.All() {
		for i, rule := range role.RoutesTo {
			if rule.Role == "" {
				return NewValidationError("routing", role.Role, fmt.Sprintf("routes_to[%d].role", i), ErrMissingRequiredField)
			}

			target, err := v.cfg.Roles.Get(rule.Role)
			if err != nil {
				return NewValidationError("routing", role.Role, fmt.Sprintf("routes_to[%d]", i),
					fmt.Errorf("%w: role '%s' not found", ErrInvalidReference, rule.Role))
			}

			if len(rule.TaskTypes) == 0 {
				return NewValidationError("routing", role.Role, fmt.Sprintf("routes_to[%d].task_types", i),
					fmt.Errorf("at least one task type required"))
			}

			for _, taskType := range rule.TaskTypes {
				if !target.AcceptsType(taskType) {
					return NewValidationError("routing", role.Role, fmt.Sprintf("routes_to[%d]", i),
						fmt.Errorf("role '%s' does not accept task type '%s'", rule.Role, taskType))
				}
			}
		}
	}

	return nil
}
