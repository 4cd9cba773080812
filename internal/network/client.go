package network

import (
	"net/http"
	"time"
)

// NetworkConfig holds network-level configuration for HTTP clients
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled" env:"NETWORK_DELAY_ENABLED"`
	MinDelayMs   int  `json:"min_delay_ms" env:"NETWORK_MIN_DELAY_MS"`
	MaxDelayMs   int  `json:"max_delay_ms" env:"NETWORK_MAX_DELAY_MS"`
}

// NewHTTPClient creates an HTTP client with optional latency simulation.
// If config.DelayEnabled is true, the client will add random delays to simulate network latency.
func NewHTTPClient(config NetworkConfig, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport

	if config.DelayEnabled {
		transport = NewDelayedRoundTripper(transport, DelayConfig{
			Enabled:  true,
			MinDelay: time.Duration(config.MinDelayMs) * time.Millisecond,
			MaxDelay: time.Duration(config.MaxDelayMs) * time.Millisecond,
		})
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
