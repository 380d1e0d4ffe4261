package resilience

import (
	"sync"
	"time"
)

// BackoffConfig holds configuration for reconnection delays
type BackoffConfig struct {
	Initial    time.Duration // Delay before the first reconnect
	Multiplier float64       // Growth factor per consecutive failure
	Max        time.Duration // Upper bound for any delay
}

// DefaultBackoffConfig returns the 1s, 2s, 4s, 8s, 16s, 30s schedule
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    1 * time.Second,
		Multiplier: 2.0,
		Max:        30 * time.Second,
	}
}

// Backoff walks an escalating delay schedule across consecutive failures.
// It is safe for concurrent use.
type Backoff struct {
	config BackoffConfig

	mu      sync.Mutex
	attempt int
}

// NewBackoff creates a backoff schedule. Zero fields fall back to the defaults.
func NewBackoff(config BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if config.Initial <= 0 {
		config.Initial = def.Initial
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if config.Max < config.Initial {
		config.Max = config.Initial
	}
	return &Backoff{config: config}
}

// Next returns the delay for the next reconnect and advances the schedule
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := CalculateBackoff(b.attempt, b.config.Initial, b.config.Max, b.config.Multiplier)
	// Stop growing once capped so the counter cannot overflow the float math
	if delay < b.config.Max {
		b.attempt++
	}
	return delay
}

// Reset returns the schedule to its first step
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns how many steps the schedule has advanced since the last reset
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
