package adapter

import (
	"os"
	"time"

	"github.com/cmatc13/txrelay/internal/queue"
	"github.com/cmatc13/txrelay/pkg/logging"
	"github.com/cmatc13/txrelay/pkg/metrics"
)

const defaultPrefetch = 16

// FatalHandler is called once when the broker connection is lost.
type FatalHandler func(err error)

// ExitProcess is the default FatalHandler.
func ExitProcess(error) {
	os.Exit(1)
}

// Config defines how the Adapter consumes and forwards envelopes.
type Config struct {
	// Prefetch bounds the unacknowledged deliveries and sizes the worker
	// pool.
	Prefetch int
	// MaxRedeliveries dead-letters an envelope that failed for a
	// non-connectivity reason after this many redeliveries. 0 disables it.
	MaxRedeliveries int
	// DeadLetter receives dead-lettered envelopes. Required when
	// MaxRedeliveries > 0.
	DeadLetter queue.Publisher
	// ForwardTimeout bounds one ledger submit call when > 0.
	ForwardTimeout time.Duration
	// QueueName is only used in logs.
	QueueName    string
	FatalHandler FatalHandler
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Prefetch <= 0 {
		c.Prefetch = defaultPrefetch
	}
	if c.MaxRedeliveries < 0 {
		c.MaxRedeliveries = 0
	}
	if c.FatalHandler == nil {
		c.FatalHandler = ExitProcess
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

// Option configures Adapter behavior.
type Option func(*Config)

// WithPrefetch sets the maximum number of unacknowledged deliveries.
func WithPrefetch(n int) Option {
	return func(c *Config) {
		c.Prefetch = n
	}
}

// WithDeadLetter enables dead-lettering after max redeliveries.
func WithDeadLetter(publisher queue.Publisher, maxRedeliveries int) Option {
	return func(c *Config) {
		c.DeadLetter = publisher
		c.MaxRedeliveries = maxRedeliveries
	}
}

// WithForwardTimeout bounds each ledger submit call.
func WithForwardTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ForwardTimeout = d
	}
}

// WithQueueName names the consumed queue in logs.
func WithQueueName(name string) Option {
	return func(c *Config) {
		c.QueueName = name
	}
}

// WithFatalHandler replaces the process exit on broker loss.
func WithFatalHandler(h FatalHandler) Option {
	return func(c *Config) {
		c.FatalHandler = h
	}
}

// WithLogger sets the adapter logger.
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
