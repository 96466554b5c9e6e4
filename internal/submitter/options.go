package submitter

import (
	"time"

	"github.com/cmatc13/txrelay/pkg/logging"
	"github.com/cmatc13/txrelay/pkg/metrics"
)

const (
	defaultBackoff          = 5 * time.Second
	defaultResubscribeDelay = time.Second
)

// Config defines how the Submitter publishes and waits for status.
type Config struct {
	// FireAndForget returns right after publishing, without waiting for a
	// terminal status.
	FireAndForget bool
	// Quorum overrides the quorum read from the ledger when > 0.
	Quorum int
	// Backoff is the pause after a connectivity fault.
	Backoff time.Duration
	// ResubscribeDelay is the pause after a status stream ended without a
	// terminal status.
	ResubscribeDelay time.Duration
	Clock            Clock
	Logger           *logging.Logger
	Metrics          *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.ResubscribeDelay < 0 {
		c.ResubscribeDelay = 0
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

// Option configures Submitter behavior.
type Option func(*Config)

// WithFireAndForget skips status polling after publish.
func WithFireAndForget(enabled bool) Option {
	return func(c *Config) {
		c.FireAndForget = enabled
	}
}

// WithQuorum fixes the quorum instead of querying the ledger.
func WithQuorum(quorum int) Option {
	return func(c *Config) {
		c.Quorum = quorum
	}
}

// WithBackoff sets the pause after a connectivity fault.
func WithBackoff(d time.Duration) Option {
	return func(c *Config) {
		c.Backoff = d
	}
}

// WithResubscribeDelay sets the pause after a non-terminal end of stream.
func WithResubscribeDelay(d time.Duration) Option {
	return func(c *Config) {
		c.ResubscribeDelay = d
	}
}

// WithClock sets the clock used for backoff timers.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the submitter logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}
