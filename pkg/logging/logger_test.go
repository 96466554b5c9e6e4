package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: DebugLevel, Output: &buf, ServiceName: "reverse-adapter", Environment: "test"})

	logger.WithField("queue", "transactions").WithError(errors.New("boom")).Warn("requeued", "tx_hash", "ab12")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "requeued", entry["msg"])
	assert.Equal(t, "reverse-adapter", entry["service"])
	assert.Equal(t, "transactions", entry["queue"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "ab12", entry["tx_hash"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: WarnLevel, Output: &buf})

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Error("kept")
	assert.NotZero(t, buf.Len())
}

func TestOddArgsArePadded(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	logger.Info("odd", "attempt")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "", entry["attempt"])
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestWithErrorAddsDomainCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	err := relayerrors.NewRelayError(relayerrors.RelayErrPublish, "publish failed", errors.New("broker gone"))
	logger.WithError(err).Error("submit failed")

	entry := decode(t, &buf)
	assert.Equal(t, relayerrors.RelayErrPublish, entry[KeyErrorCode])
	assert.Contains(t, entry[KeyError], "broker gone")

	buf.Reset()
	logger.WithError(errors.New("plain")).Error("failed")
	assert.NotContains(t, decode(t, &buf), KeyErrorCode)

	assert.Same(t, logger, logger.WithError(nil))
}

func TestRelayKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf}).WithQueue("transactions").WithTxHash("ab12")

	logger.Info("forwarded", slog.Int(KeyAttempt, 3), KeyMessageID, "m-1")

	entry := decode(t, &buf)
	assert.Equal(t, "transactions", entry[KeyQueue])
	assert.Equal(t, "ab12", entry[KeyTxHash])
	assert.Equal(t, float64(3), entry[KeyAttempt])
	assert.Equal(t, "m-1", entry[KeyMessageID])
}

func TestWithFieldsIsOrdered(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Output: &buf}).WithFields(map[string]interface{}{"b": 2, "a": 1, "c": 3}).Info("ordered")

	line := buf.String()
	assert.Less(t, strings.Index(line, `"a"`), strings.Index(line, `"b"`))
	assert.Less(t, strings.Index(line, `"b"`), strings.Index(line, `"c"`))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{"debug": DebugLevel, " INFO ": InfoLevel, "Warn": WarnLevel, "error": ErrorLevel} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}
