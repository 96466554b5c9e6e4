// Package main runs the relay adapter: it consumes signed transactions from
// the durable queue and forwards them to the ledger gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmatc13/txrelay/internal/adapter"
	"github.com/cmatc13/txrelay/internal/ledger"
	"github.com/cmatc13/txrelay/internal/queue/broker"
	"github.com/cmatc13/txrelay/pkg/config"
	"github.com/cmatc13/txrelay/pkg/health"
	"github.com/cmatc13/txrelay/pkg/logging"
	"github.com/cmatc13/txrelay/pkg/metrics"
	"github.com/cmatc13/txrelay/pkg/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("reverse-adapter", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	envFile := flags.String("env-file", "", "Path to a dotenv file (default .env if present)")
	config.BindFlags(flags)
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile, Flags: flags})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: "reverse-adapter",
		Environment: cfg.Log.Environment,
	})
	m := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, ServiceName: "reverse-adapter"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := ledger.Dial(cfg.Ledger.Address())
	if err != nil {
		logger.WithError(err).Error("Failed to create ledger client", "addr", cfg.Ledger.Address())
		return 1
	}
	defer gateway.Close()

	consumer, err := broker.NewConsumer(ctx, cfg.Queue, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to broker", "driver", cfg.Queue.Driver, "addr", cfg.Queue.Address())
		return 1
	}

	opts := []adapter.Option{
		adapter.WithPrefetch(cfg.Adapter.Prefetch),
		adapter.WithForwardTimeout(cfg.Ledger.ForwardTimeout),
		adapter.WithQueueName(cfg.Queue.Name),
		adapter.WithLogger(logger),
		adapter.WithMetrics(m),
	}
	if cfg.Adapter.MaxRedeliveries > 0 {
		dead, err := broker.NewPublisher(ctx, cfg.Queue, cfg.Queue.DeadLetterName(), logger)
		if err != nil {
			consumer.Close()
			logger.WithError(err).Error("Failed to open dead-letter queue", logging.KeyQueue, cfg.Queue.DeadLetterName())
			return 1
		}
		defer dead.Close()
		opts = append(opts, adapter.WithDeadLetter(dead, cfg.Adapter.MaxRedeliveries))
	}

	relay, err := adapter.New(consumer, gateway, opts...)
	if err != nil {
		consumer.Close()
		logger.WithError(err).Error("Failed to create relay adapter")
		return 1
	}
	defer relay.Close()
	relayService := adapter.NewService(relay)

	checks := health.NewRegistry(logger, m)
	checks.Register("broker", health.BrokerChecker(cfg.Queue.Driver, cfg.Queue.Address(), consumer.Ping))
	checks.Register("ledger", health.LedgerChecker(cfg.Ledger.Address(), gateway.Ping))
	checks.Register(relayService.Name(), health.ServiceChecker(relayService.Name(), func(context.Context) error {
		return relayService.Health()
	}))
	server := health.NewServer(cfg.Health.Port, checks, m, logger)

	registry := service.NewRegistry(logger)
	for _, svc := range []service.Service{server, relayService} {
		if err := registry.Register(svc); err != nil {
			logger.WithError(err).Error("Failed to register service")
			return 1
		}
	}

	if err := registry.StartAll(ctx); err != nil {
		logger.WithError(err).Error("Failed to start relay")
		shutdown(registry, logger)
		return 1
	}
	logger.Info("Relay running", logging.KeyQueue, cfg.Queue.Name, "ledger", cfg.Ledger.Address())

	<-ctx.Done()
	logger.Info("Shutting down relay")
	shutdown(registry, logger)
	return 0
}

func shutdown(registry *service.Registry, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.StopAll(ctx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
	}
}
