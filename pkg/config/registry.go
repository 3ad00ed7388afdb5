package config

import (
	"fmt"
	"sort"
	"sync"
)

// RoleRegistry holds all role configurations, keyed by role name.
// Populated once at startup; changes require a restart.
type RoleRegistry struct {
	mu    sync.RWMutex
	roles map[string]*RoleConfig
}

// NewRoleRegistry creates a registry from a role map
func NewRoleRegistry(roles map[string]*RoleConfig) *RoleRegistry {
	// The registry owns its map; callers keep theirs.
	copied := make(map[string]*RoleConfig, len(roles))
	for k, v := range roles {
		copied[k] = v
	}
	return &RoleRegistry{
		roles: copied,
	}
}

// Get retrieves a role configuration by name (thread-safe)
func (r *RoleRegistry) Get(name string) (*RoleConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, exists := r.roles[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, nil
}

// Has checks if a role exists in the registry (thread-safe)
func (r *RoleRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.roles[name]
	return exists
}

// GetAll returns all role configurations (thread-safe, returns copy)
func (r *RoleRegistry) GetAll() map[string]*RoleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*RoleConfig, len(r.roles))
	for k, v := range r.roles {
		result[k] = v
	}
	return result
}

// Names returns all role names, sorted
func (r *RoleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all role configurations sorted by role name
func (r *RoleRegistry) All() []*RoleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*RoleConfig, 0, len(r.roles))
	for _, role := range r.roles {
		all = append(all, role)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Role < all[j].Role
	})
	return all
}

// Len returns the number of roles in the registry
func (r *RoleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles)
}

// AcceptorsOf returns the roles accepting the given task type, sorted by
// role name. Used by the router to resolve produced child tasks.
func (r *RoleRegistry) AcceptorsOf(taskType string) []*RoleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var acceptors []*RoleConfig
	for _, role := range r.roles {
		if role.AcceptsType(taskType) {
			acceptors = append(acceptors, role)
		}
	}
	sort.Slice(acceptors, func(i, j int) bool {
		return acceptors[i].Role < acceptors[j].Role
	})
	return acceptors
}

// AcceptsType reports whether the role claims tasks of the given type.
func (r *RoleConfig) AcceptsType(taskType string) bool {
	for _, t := range r.Accepts {
		if t == taskType {
			return true
		}
	}
	return false
}

// ProducesType reports whether the role declares the given output type.
func (r *RoleConfig) ProducesType(taskType string) bool {
	for _, t := range r.Produces {
		if t == taskType {
			return true
		}
	}
	return false
}

// AllowsRoute reports whether the role declares a route to the target
// role for the given task type.
func (r *RoleConfig) AllowsRoute(targetRole, taskType string) bool {
	for _, rule := range r.RoutesTo {
		if rule.Role != targetRole {
			continue
		}
		for _, t := range rule.TaskTypes {
			if t == taskType {
				return true
			}
		}
	}
	return false
}
