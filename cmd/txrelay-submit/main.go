// Package main signs a transaction and submits it through the relay queue,
// waiting for the ledger to commit or reject it.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cmatc13/txrelay/internal/ledger"
	"github.com/cmatc13/txrelay/internal/queue/broker"
	"github.com/cmatc13/txrelay/internal/submitter"
	"github.com/cmatc13/txrelay/internal/transaction"
	"github.com/cmatc13/txrelay/internal/wallet"
	"github.com/cmatc13/txrelay/pkg/config"
	"github.com/cmatc13/txrelay/pkg/logging"
)

// Exit codes
const (
	exitOK       = 0
	exitFailure  = 1
	exitRejected = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("txrelay-submit", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	envFile := flags.String("env-file", "", "Path to a dotenv file (default .env if present)")
	commands := flags.StringSlice("command", nil, "Hex encoded command, repeatable")
	timeout := flags.Duration("timeout", 0, "Give up waiting for a terminal status after this long (0 waits forever)")
	config.BindFlags(flags)
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile, Flags: flags})
	if err == nil {
		err = cfg.ValidateSubmitter()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitFailure
	}

	utx, err := unsignedFromHex(*commands)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid command: %v\n", err)
		return exitFailure
	}

	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stderr,
		ServiceName: "txrelay-submit",
		Environment: cfg.Log.Environment,
	})

	identity, err := wallet.NewIdentity(cfg.Submitter.AccountID, cfg.Submitter.PrivateKey)
	if err != nil {
		logger.WithError(err).Error("Failed to load identity")
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	gateway, err := ledger.Dial(cfg.Ledger.Address())
	if err != nil {
		logger.WithError(err).Error("Failed to create ledger client")
		return exitFailure
	}
	defer gateway.Close()

	publisher, err := broker.NewPublisher(ctx, cfg.Queue, cfg.Queue.Name, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to open queue", logging.KeyQueue, cfg.Queue.Name)
		return exitFailure
	}
	defer publisher.Close()

	sub, err := submitter.New(ctx, identity, publisher, gateway,
		submitter.WithFireAndForget(cfg.Submitter.FireAndForget),
		submitter.WithQuorum(cfg.Submitter.Quorum),
		submitter.WithBackoff(cfg.Submitter.Backoff),
		submitter.WithResubscribeDelay(cfg.Submitter.ResubscribeDelay),
		submitter.WithLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Error("Failed to create submitter")
		return exitFailure
	}

	id, err := sub.SubmitUnsigned(ctx, utx)
	if !id.IsZero() {
		fmt.Println(id.Hex())
	}

	var rejection *ledger.RejectionError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &rejection):
		fmt.Fprintln(os.Stderr, rejection.Error())
		return exitRejected
	default:
		fmt.Fprintf(os.Stderr, "submission failed: %v\n", err)
		return exitFailure
	}
}

func unsignedFromHex(commands []string) (transaction.Unsigned, error) {
	if len(commands) == 0 {
		return transaction.Unsigned{}, errors.New("at least one --command is required")
	}
	utx := transaction.Unsigned{Commands: make([][]byte, 0, len(commands))}
	for i, c := range commands {
		b, err := hex.DecodeString(c)
		if err != nil {
			return transaction.Unsigned{}, fmt.Errorf("command %d: %w", i, err)
		}
		utx.Commands = append(utx.Commands, b)
	}
	return utx, nil
}
