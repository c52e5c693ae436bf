package network

import (
	"net/http"
	"time"

	"github.com/dynashard/dynashard/config"
)

// NewHTTPClient creates an HTTP client with optional latency simulation.
// With DelayEnabled the client adds a random delay to every request, which
// lets load tests exercise the engine under realistic round-trip times.
func NewHTTPClient(cfg config.NetworkConfig, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport

	if cfg.DelayEnabled {
		transport = NewDelayedRoundTripper(transport, DelayConfig{
			Enabled:  true,
			MinDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
			MaxDelay: time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		})
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
