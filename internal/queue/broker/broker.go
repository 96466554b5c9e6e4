// Package broker opens the queue driver selected by configuration.
package broker

import (
	"context"

	"github.com/cmatc13/txrelay/internal/queue"
	"github.com/cmatc13/txrelay/internal/queue/kafkaq"
	"github.com/cmatc13/txrelay/internal/queue/redisq"
	"github.com/cmatc13/txrelay/pkg/config"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
	"github.com/cmatc13/txrelay/pkg/logging"
)

func unknownDriver(driver string) error {
	return relayerrors.ConfigErrorf("queue.driver", "unknown queue driver %q", driver)
}

func redisConfig(cfg config.QueueConfig, name string, logger *logging.Logger) redisq.Config {
	return redisq.Config{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
		Queue:    name,
		Consumer: cfg.Consumer,
		Logger:   logger,
	}
}

func kafkaConfig(cfg config.QueueConfig, name string, logger *logging.Logger) kafkaq.Config {
	return kafkaq.Config{
		Brokers: cfg.Address(),
		Topic:   name,
		Group:   cfg.ConsumerGroup(),
		Logger:  logger,
	}
}

// NewPublisher opens a publisher for the named queue and declares it.
func NewPublisher(ctx context.Context, cfg config.QueueConfig, name string, logger *logging.Logger) (queue.Publisher, error) {
	var (
		p   queue.Publisher
		err error
	)
	switch cfg.Driver {
	case config.DriverRedis:
		p, err = redisq.NewPublisher(ctx, redisConfig(cfg, name, logger))
	case config.DriverKafka:
		p, err = kafkaq.NewPublisher(ctx, kafkaConfig(cfg, name, logger))
	default:
		err = unknownDriver(cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewConsumer opens the consumer of the configured queue.
func NewConsumer(ctx context.Context, cfg config.QueueConfig, logger *logging.Logger) (queue.Consumer, error) {
	var (
		c   queue.Consumer
		err error
	)
	switch cfg.Driver {
	case config.DriverRedis:
		c, err = redisq.NewConsumer(ctx, redisConfig(cfg, cfg.Name, logger))
	case config.DriverKafka:
		c, err = kafkaq.NewConsumer(ctx, kafkaConfig(cfg, cfg.Name, logger))
	default:
		err = unknownDriver(cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
