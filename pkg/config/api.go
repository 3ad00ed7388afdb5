package config

// APIConfig contains HTTP API and WebSocket stream settings.
type APIConfig struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedWSOrigins lists extra origins accepted for WebSocket
	// upgrades beyond same-host. Supports "*" wildcard patterns.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultAPIConfig returns the built-in API defaults.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		ListenAddr: ":8080",
	}
}
