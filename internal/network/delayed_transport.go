package network

import (
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// DelayConfig specifies latency simulation parameters
type DelayConfig struct {
	Enabled  bool          `json:"enabled"`
	MinDelay time.Duration `json:"min_delay"`
	MaxDelay time.Duration `json:"max_delay"`
}

// DelayedRoundTripper wraps http.RoundTripper with configurable delays.
// The delay is abandoned when the request context is cancelled.
type DelayedRoundTripper struct {
	base   http.RoundTripper
	config DelayConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDelayedRoundTripper creates a new DelayedRoundTripper.
// If base is nil, http.DefaultTransport is used.
func NewDelayedRoundTripper(base http.RoundTripper, config DelayConfig) *DelayedRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DelayedRoundTripper{
		base:   base,
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RoundTrip implements http.RoundTripper by adding a delay before the actual request
func (d *DelayedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.config.Enabled {
		timer := time.NewTimer(d.calculateDelay())
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		}
	}
	return d.base.RoundTrip(req)
}

// calculateDelay returns a random delay within the configured range
func (d *DelayedRoundTripper) calculateDelay() time.Duration {
	min := d.config.MinDelay
	max := d.config.MaxDelay
	if max <= min {
		return min
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return min + time.Duration(d.rng.Int63n(int64(max-min)))
}
