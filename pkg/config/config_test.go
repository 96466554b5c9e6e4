package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Queue.Driver)
	assert.Equal(t, "localhost:6379", cfg.Queue.Address())
	assert.Equal(t, "transactions", cfg.Queue.Name)
	assert.Equal(t, "transactions.dead", cfg.Queue.DeadLetterName())
	assert.NotEmpty(t, cfg.Queue.Consumer)
	assert.Equal(t, "txrelay-transactions", cfg.Queue.ConsumerGroup())
	assert.Equal(t, "localhost:50051", cfg.Ledger.Address())
	assert.Equal(t, 30*time.Second, cfg.Ledger.ForwardTimeout)
	assert.Equal(t, 8081, cfg.Health.Port)
	assert.Equal(t, 16, cfg.Adapter.Prefetch)
	assert.Zero(t, cfg.Adapter.MaxRedeliveries)
	assert.False(t, cfg.Submitter.FireAndForget)
	assert.Zero(t, cfg.Submitter.Quorum)
	assert.Equal(t, 5*time.Second, cfg.Submitter.Backoff)
	assert.Equal(t, time.Second, cfg.Submitter.ResubscribeDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "txrelay", cfg.Metrics.Namespace)
}

func TestEnvironmentOverridesConfigFile(t *testing.T) {
	file := writeFile(t, "relay.yaml", `
queue:
  host: file-host
  name: from-file
adapter:
  prefetch: 4
`)
	t.Setenv("TXRELAY_QUEUE_HOST", "env-host")
	t.Setenv("TXRELAY_SUBMITTER_BACKOFF", "250ms")

	cfg, err := Load(LoadOptions{ConfigFile: file})
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Queue.Host)
	assert.Equal(t, "from-file", cfg.Queue.Name)
	assert.Equal(t, 4, cfg.Adapter.Prefetch)
	assert.Equal(t, 250*time.Millisecond, cfg.Submitter.Backoff)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("TXRELAY_QUEUE_DRIVER", "redis")
	t.Setenv("TXRELAY_ADAPTER_PREFETCH", "8")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--queue-driver=kafka", "--queue-port=9092"}))

	cfg, err := Load(LoadOptions{Flags: fs})
	require.NoError(t, err)
	assert.Equal(t, DriverKafka, cfg.Queue.Driver)
	assert.Equal(t, 9092, cfg.Queue.Port)
	assert.Equal(t, 8, cfg.Adapter.Prefetch, "unset flags do not shadow the environment")
}

func TestKafkaDefaults(t *testing.T) {
	t.Setenv("TXRELAY_QUEUE_DRIVER", "kafka")
	t.Setenv("TXRELAY_QUEUE_CONSUMER", "adapter-7")

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "localhost:9092", cfg.Queue.Address())
	assert.Equal(t, "txrelay-transactions", cfg.Queue.ConsumerGroup(), "the group does not follow the instance name")

	t.Setenv("TXRELAY_QUEUE_PORT", "19092")
	t.Setenv("TXRELAY_QUEUE_GROUP", "relays")
	cfg, err = Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 19092, cfg.Queue.Port)
	assert.Equal(t, "relays", cfg.Queue.ConsumerGroup())
}

func TestEnvFile(t *testing.T) {
	file := writeFile(t, ".env", "TXRELAY_LEDGER_HOST=ledger.internal\nTXRELAY_SUBMITTER_ACCOUNT_ID=alice@test\n")
	t.Cleanup(func() {
		os.Unsetenv("TXRELAY_LEDGER_HOST")
		os.Unsetenv("TXRELAY_SUBMITTER_ACCOUNT_ID")
	})

	cfg, err := Load(LoadOptions{EnvFile: file})
	require.NoError(t, err)
	assert.Equal(t, "ledger.internal", cfg.Ledger.Host)
	assert.Equal(t, "alice@test", cfg.Submitter.AccountID)
}

func TestMissingFiles(t *testing.T) {
	_, err := Load(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	assert.Equal(t, relayerrors.ConfigErrInvalid, relayerrors.CodeOf(err))

	_, err = Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Equal(t, relayerrors.ConfigErrInvalid, relayerrors.CodeOf(err))
}

func TestValidation(t *testing.T) {
	cases := map[string]struct {
		env   string
		value string
		field string
	}{
		"unknown driver":     {"TXRELAY_QUEUE_DRIVER", "rabbitmq", "queue.driver"},
		"port out of range":  {"TXRELAY_LEDGER_PORT", "70000", "ledger.port"},
		"zero prefetch":      {"TXRELAY_ADAPTER_PREFETCH", "0", "adapter.prefetch"},
		"negative cap":       {"TXRELAY_ADAPTER_MAX_REDELIVERIES", "-1", "adapter.max_redeliveries"},
		"zero backoff":       {"TXRELAY_SUBMITTER_BACKOFF", "0s", "submitter.backoff"},
		"unknown log level":  {"TXRELAY_LOG_LEVEL", "verbose", "log.level"},
		"dead letter = name": {"TXRELAY_QUEUE_DEAD_LETTER", "transactions", "queue.dead_letter"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.env, tc.value)

			_, err := Load(LoadOptions{})
			require.Error(t, err)

			var cfgErr *relayerrors.Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, relayerrors.ConfigDomain, cfgErr.Domain)
			assert.Equal(t, tc.field, cfgErr.Fields["field"])
		})
	}
}

func TestValidateSubmitter(t *testing.T) {
	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateSubmitter())

	cfg.Submitter.AccountID = "alice@test"
	cfg.Submitter.PrivateKey = "00"
	assert.NoError(t, cfg.ValidateSubmitter())
}

func TestFlagName(t *testing.T) {
	assert.Equal(t, "queue-dead-letter", FlagName("queue.dead_letter"))
	assert.Equal(t, "log-level", FlagName("log.level"))
}
