package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

// Factory builds a provider from a role's provider configuration.
type Factory func(role *config.RoleConfig) (Provider, error)

// Registry maps provider kinds to factories. Populated once at startup and
// consulted by the fleet when it spawns a loop for a role.
type Registry struct {
	mu        sync.RWMutex
	factories map[config.ProviderKind]Factory
}

// NewRegistry returns a registry preloaded with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[config.ProviderKind]Factory)}
	r.Register(config.ProviderKindStub, func(role *config.RoleConfig) (Provider, error) {
		return NewStubProvider(), nil
	})
	r.Register(config.ProviderKindCommand, func(role *config.RoleConfig) (Provider, error) {
		return NewCommandProvider(role.Provider)
	})
	return r
}

// Register adds or replaces the factory for a provider kind.
func (r *Registry) Register(kind config.ProviderKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered provider kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// ForRole builds the provider configured for the role. A role without
// provider configuration gets the stub.
func (r *Registry) ForRole(role *config.RoleConfig) (Provider, error) {
	kind := config.ProviderKindStub
	if role.Provider != nil && role.Provider.Kind != "" {
		kind = role.Provider.Kind
	}

	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for kind %q", kind)
	}

	provider, err := factory(role)
	if err != nil {
		return nil, fmt.Errorf("building %q provider for role %s: %w", kind, role.Role, err)
	}
	return provider, nil
}
