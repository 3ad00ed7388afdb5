package config

// RoutingMode defines how strictly rework routing is enforced
type RoutingMode string

const (
	// RoutingModeOpen allows rejections to route back to any role
	RoutingModeOpen RoutingMode = "open"
	// RoutingModeRestricted limits routing to declared routes_to targets
	RoutingModeRestricted RoutingMode = "restricted"
)

// IsValid checks if the routing mode is valid
func (m RoutingMode) IsValid() bool {
	return m == RoutingModeOpen || m == RoutingModeRestricted
}

// ProviderKind defines how a role's worker executes its tasks
type ProviderKind string

const (
	// ProviderKindCommand runs an external command per task
	ProviderKindCommand ProviderKind = "command"
	// ProviderKindStub echoes a canned result, for tests and dry runs
	ProviderKindStub ProviderKind = "stub"
)

// IsValid checks if the provider kind is valid
func (k ProviderKind) IsValid() bool {
	return k == ProviderKindCommand || k == ProviderKindStub
}
