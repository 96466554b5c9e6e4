package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cmatc13/txrelay/pkg/config"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
)

func TestUnknownDriver(t *testing.T) {
	cfg := config.QueueConfig{Driver: "amqp", Host: "localhost", Port: 5672, Name: "transactions"}

	_, err := NewPublisher(context.Background(), cfg, cfg.Name, nil)
	assert.Equal(t, relayerrors.ConfigErrInvalid, relayerrors.CodeOf(err))

	_, err = NewConsumer(context.Background(), cfg, nil)
	assert.Equal(t, relayerrors.ConfigErrInvalid, relayerrors.CodeOf(err))
}

func TestDriverSettings(t *testing.T) {
	cfg := config.QueueConfig{Host: "broker", Port: 9092, Name: "transactions", Consumer: "relay-1", Password: "secret", DB: 2}

	r := redisConfig(cfg, "transactions", nil)
	assert.Equal(t, "broker:9092", r.Addr)
	assert.Equal(t, "transactions", r.Queue)
	assert.Equal(t, "relay-1", r.Consumer)
	assert.Equal(t, 2, r.DB)

	k := kafkaConfig(cfg, "transactions.dead", nil)
	assert.Equal(t, "broker:9092", k.Brokers)
	assert.Equal(t, "transactions.dead", k.Topic)
	assert.Equal(t, "txrelay-transactions", k.Group)
}

func TestKafkaGroupSharedAcrossHosts(t *testing.T) {
	h1 := config.QueueConfig{Driver: config.DriverKafka, Host: "broker", Port: 9092, Name: "transactions", Consumer: "h1"}
	h2 := h1
	h2.Consumer = "h2"

	assert.Equal(t, kafkaConfig(h1, h1.Name, nil).Group, kafkaConfig(h2, h2.Name, nil).Group,
		"adapters on different hosts compete in one group")
	assert.NotEqual(t, redisConfig(h1, h1.Name, nil).Consumer, redisConfig(h2, h2.Name, nil).Consumer,
		"redis processing lists stay per instance")

	h1.Group = "relay-blue"
	assert.Equal(t, "relay-blue", kafkaConfig(h1, h1.Name, nil).Group)
}
