// pkg/config/config.go
package config

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
	"github.com/cmatc13/txrelay/pkg/logging"
)

// EnvPrefix prefixes every environment variable, e.g. TXRELAY_QUEUE_HOST.
const EnvPrefix = "TXRELAY"

// Queue drivers
const (
	DriverRedis = "redis"
	DriverKafka = "kafka"
)

// Config holds all configuration for the relay processes
type Config struct {
	Queue     QueueConfig
	Ledger    LedgerConfig
	Health    HealthConfig
	Adapter   AdapterConfig
	Submitter SubmitterConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

// QueueConfig holds broker-related configuration
type QueueConfig struct {
	Driver     string
	Host       string
	Port       int
	Name       string
	DeadLetter string
	Consumer   string
	Group      string
	Password   string
	DB         int
}

// Address returns host:port of the broker
func (q QueueConfig) Address() string {
	return net.JoinHostPort(q.Host, strconv.Itoa(q.Port))
}

// DeadLetterName returns the dead-letter queue, <name>.dead unless set
func (q QueueConfig) DeadLetterName() string {
	if q.DeadLetter != "" {
		return q.DeadLetter
	}
	return q.Name + ".dead"
}

// ConsumerGroup returns the kafka group shared by every adapter of the
// queue, txrelay-<name> unless set
func (q QueueConfig) ConsumerGroup() string {
	if q.Group != "" {
		return q.Group
	}
	return "txrelay-" + q.Name
}

// DefaultPort returns the conventional port of a queue driver
func DefaultPort(driver string) int {
	if driver == DriverKafka {
		return 9092
	}
	return 6379
}

// LedgerConfig holds ledger gateway configuration
type LedgerConfig struct {
	Host           string
	Port           int
	ForwardTimeout time.Duration
}

// Address returns host:port of the ledger gateway
func (l LedgerConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// HealthConfig holds the health and metrics HTTP configuration
type HealthConfig struct {
	Port int
}

// AdapterConfig holds relay adapter configuration
type AdapterConfig struct {
	Prefetch        int
	MaxRedeliveries int
}

// SubmitterConfig holds reliable submitter configuration
type SubmitterConfig struct {
	FireAndForget    bool
	Quorum           int
	Backoff          time.Duration
	ResubscribeDelay time.Duration
	AccountID        string
	PrivateKey       string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string
	Environment string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Namespace string
}

// LoadOptions controls where configuration is read from
type LoadOptions struct {
	// ConfigFile is an optional YAML, JSON or TOML file.
	ConfigFile string
	// EnvFile is a dotenv file loaded into the environment. When empty, a
	// .env file in the working directory is loaded if present.
	EnvFile string
	// Flags, when set, override every other source for the flags the
	// user set.
	Flags *pflag.FlagSet
}

type option struct {
	key   string
	value interface{}
	usage string
}

func defaultConsumer() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "txrelay"
}

func options() []option {
	return []option{
		{"queue.driver", DriverRedis, "queue driver (redis or kafka)"},
		{"queue.host", "localhost", "broker host"},
		{"queue.port", 0, "broker port (0 uses 6379 for redis, 9092 for kafka)"},
		{"queue.name", "transactions", "queue or topic name"},
		{"queue.dead_letter", "", "dead-letter queue (default <name>.dead)"},
		{"queue.consumer", defaultConsumer(), "consumer name, unique per instance (redis processing list)"},
		{"queue.group", "", "kafka consumer group shared by all adapters (default txrelay-<name>)"},
		{"queue.password", "", "broker password"},
		{"queue.db", 0, "redis database"},
		{"ledger.host", "localhost", "ledger gateway host"},
		{"ledger.port", 50051, "ledger gateway port"},
		{"ledger.forward_timeout", 30 * time.Second, "timeout of one forward call"},
		{"health.port", 8081, "health and metrics HTTP port"},
		{"adapter.prefetch", 16, "maximum unacknowledged deliveries"},
		{"adapter.max_redeliveries", 0, "redeliveries before dead-lettering (0 disables)"},
		{"submitter.fire_and_forget", false, "return after publish without waiting for status"},
		{"submitter.quorum", 0, "fixed quorum (0 reads it from the ledger)"},
		{"submitter.backoff", 5 * time.Second, "pause after a ledger connectivity fault"},
		{"submitter.resubscribe_delay", time.Second, "pause after a non-terminal end of the status stream"},
		{"submitter.account_id", "", "creator account id"},
		{"submitter.private_key", "", "hex encoded secp256k1 private key"},
		{"log.level", "info", "log level (debug, info, warn, error)"},
		{"log.environment", "development", "environment attribute of log records"},
		{"metrics.namespace", "txrelay", "prometheus namespace"},
	}
}

// FlagName maps a configuration key to its command line flag.
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// BindFlags registers a flag for every configuration key on fs.
func BindFlags(fs *pflag.FlagSet) {
	for _, o := range options() {
		name := FlagName(o.key)
		switch v := o.value.(type) {
		case string:
			fs.String(name, v, o.usage)
		case int:
			fs.Int(name, v, o.usage)
		case bool:
			fs.Bool(name, v, o.usage)
		case time.Duration:
			fs.Duration(name, v, o.usage)
		}
	}
}

// Load reads configuration from, in decreasing precedence, flags,
// environment, config file, dotenv file and defaults.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	for _, o := range options() {
		v.SetDefault(o.key, o.value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, relayerrors.ConfigWrap(err, "config_file", "failed to read %s", opts.ConfigFile)
		}
	}

	if opts.Flags != nil {
		for _, o := range options() {
			if f := opts.Flags.Lookup(FlagName(o.key)); f != nil {
				if err := v.BindPFlag(o.key, f); err != nil {
					return nil, relayerrors.ConfigWrap(err, o.key, "failed to bind flag")
				}
			}
		}
	}

	cfg := &Config{
		Queue: QueueConfig{
			Driver:     strings.ToLower(v.GetString("queue.driver")),
			Host:       v.GetString("queue.host"),
			Port:       v.GetInt("queue.port"),
			Name:       v.GetString("queue.name"),
			DeadLetter: v.GetString("queue.dead_letter"),
			Consumer:   v.GetString("queue.consumer"),
			Group:      v.GetString("queue.group"),
			Password:   v.GetString("queue.password"),
			DB:         v.GetInt("queue.db"),
		},
		Ledger: LedgerConfig{
			Host:           v.GetString("ledger.host"),
			Port:           v.GetInt("ledger.port"),
			ForwardTimeout: v.GetDuration("ledger.forward_timeout"),
		},
		Health: HealthConfig{
			Port: v.GetInt("health.port"),
		},
		Adapter: AdapterConfig{
			Prefetch:        v.GetInt("adapter.prefetch"),
			MaxRedeliveries: v.GetInt("adapter.max_redeliveries"),
		},
		Submitter: SubmitterConfig{
			FireAndForget:    v.GetBool("submitter.fire_and_forget"),
			Quorum:           v.GetInt("submitter.quorum"),
			Backoff:          v.GetDuration("submitter.backoff"),
			ResubscribeDelay: v.GetDuration("submitter.resubscribe_delay"),
			AccountID:        v.GetString("submitter.account_id"),
			PrivateKey:       v.GetString("submitter.private_key"),
		},
		Log: LogConfig{
			Level:       strings.ToLower(v.GetString("log.level")),
			Environment: v.GetString("log.environment"),
		},
		Metrics: MetricsConfig{
			Namespace: v.GetString("metrics.namespace"),
		},
	}

	if cfg.Queue.Port == 0 {
		cfg.Queue.Port = DefaultPort(cfg.Queue.Driver)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return relayerrors.ConfigWrap(err, "env_file", "failed to read .env")
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return relayerrors.ConfigWrap(err, "env_file", "failed to read %s", path)
	}
	return nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case DriverRedis, DriverKafka:
	default:
		return relayerrors.ConfigErrorf("queue.driver", "unknown queue driver %q", c.Queue.Driver)
	}
	if c.Queue.Host == "" {
		return relayerrors.ConfigErrorf("queue.host", "broker host is required")
	}
	if err := validatePort("queue.port", c.Queue.Port); err != nil {
		return err
	}
	if c.Queue.Name == "" {
		return relayerrors.ConfigErrorf("queue.name", "queue name is required")
	}
	if c.Queue.Consumer == "" {
		return relayerrors.ConfigErrorf("queue.consumer", "consumer name is required")
	}
	if c.Queue.DeadLetterName() == c.Queue.Name {
		return relayerrors.ConfigErrorf("queue.dead_letter", "dead-letter queue must differ from %s", c.Queue.Name)
	}
	if c.Ledger.Host == "" {
		return relayerrors.ConfigErrorf("ledger.host", "ledger host is required")
	}
	if err := validatePort("ledger.port", c.Ledger.Port); err != nil {
		return err
	}
	if c.Ledger.ForwardTimeout < 0 {
		return relayerrors.ConfigErrorf("ledger.forward_timeout", "must not be negative")
	}
	if err := validatePort("health.port", c.Health.Port); err != nil {
		return err
	}
	if c.Adapter.Prefetch < 1 {
		return relayerrors.ConfigErrorf("adapter.prefetch", "must be at least 1, got %d", c.Adapter.Prefetch)
	}
	if c.Adapter.MaxRedeliveries < 0 {
		return relayerrors.ConfigErrorf("adapter.max_redeliveries", "must not be negative")
	}
	if c.Submitter.Quorum < 0 {
		return relayerrors.ConfigErrorf("submitter.quorum", "must not be negative")
	}
	if c.Submitter.Backoff <= 0 {
		return relayerrors.ConfigErrorf("submitter.backoff", "must be positive")
	}
	if c.Submitter.ResubscribeDelay < 0 {
		return relayerrors.ConfigErrorf("submitter.resubscribe_delay", "must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return relayerrors.ConfigWrap(err, "log.level", "invalid log level")
	}
	return nil
}

// ValidateSubmitter checks the settings only the submitting client needs
func (c *Config) ValidateSubmitter() error {
	if c.Submitter.AccountID == "" {
		return relayerrors.ConfigErrorf("submitter.account_id", "creator account is required")
	}
	if c.Submitter.PrivateKey == "" {
		return relayerrors.ConfigErrorf("submitter.private_key", "private key is required")
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return relayerrors.ConfigErrorf(field, "port %d out of range", port)
	}
	return nil
}
