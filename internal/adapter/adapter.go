// Package adapter implements the relay side: it consumes envelopes from the
// durable queue and forwards them to the ledger.
//
// An envelope is acked only after the ledger accepted it. Every failure
// requeues it, unless dead-lettering is enabled and the envelope has used up
// its redeliveries. Losing the broker connection is fatal to the process.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmatc13/txrelay/internal/ledger"
	"github.com/cmatc13/txrelay/internal/queue"
	"github.com/cmatc13/txrelay/internal/transaction"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
	"github.com/cmatc13/txrelay/pkg/logging"
	"github.com/cmatc13/txrelay/pkg/metrics"
)

// Adapter forwards queued envelopes to a ledger gateway.
type Adapter struct {
	consumer queue.Consumer
	gateway  ledger.Gateway
	cfg      Config
	logger   *logging.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New creates an adapter owning consumer.
func New(consumer queue.Consumer, gateway ledger.Gateway, opts ...Option) (*Adapter, error) {
	if consumer == nil || gateway == nil {
		return nil, relayerrors.Wrap(relayerrors.ErrInvalidInput, "consumer and gateway are required")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	if cfg.MaxRedeliveries > 0 && cfg.DeadLetter == nil {
		return nil, relayerrors.Wrap(relayerrors.ErrInvalidInput, "a dead-letter queue is required when max redeliveries is set")
	}

	a := &Adapter{
		consumer: consumer,
		gateway:  gateway,
		cfg:      cfg,
		logger:   cfg.Logger.WithQueue(cfg.QueueName),
	}
	a.logger.Info("Relay adapter declared",
		"prefetch", cfg.Prefetch,
		"max_redeliveries", cfg.MaxRedeliveries,
		"forward_timeout", cfg.ForwardTimeout.String())
	return a, nil
}

// Start begins consuming. It returns immediately; a second call fails with
// ErrAlreadyStarted.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return relayerrors.RelayWrap(relayerrors.ErrAlreadyStarted, relayerrors.OpStart, "relay adapter already started")
	}
	if a.stopped {
		return relayerrors.RelayWrap(relayerrors.ErrClosed, relayerrors.OpStart, "relay adapter is closed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	deliveries, err := a.consumer.Consume(runCtx, a.cfg.Prefetch)
	if err != nil {
		cancel()
		return relayerrors.RelayWrap(err, relayerrors.OpStart, "failed to start consuming")
	}

	a.started = true
	a.cancel = cancel

	a.wg.Add(a.cfg.Prefetch)
	for i := 0; i < a.cfg.Prefetch; i++ {
		go a.worker(runCtx, deliveries)
	}
	go a.supervise(runCtx)

	a.running.Store(true)
	a.logger.Info("Relay adapter started")
	return nil
}

// supervise escalates a broker fault to the fatal handler.
func (a *Adapter) supervise(ctx context.Context) {
	select {
	case err := <-a.consumer.Faults():
		if ctx.Err() != nil {
			return
		}
		a.running.Store(false)
		a.logger.WithError(err).Error("Broker connection lost, shutting down")
		a.cfg.FatalHandler(err)
	case <-ctx.Done():
	}
}

func (a *Adapter) worker(ctx context.Context, deliveries <-chan queue.Delivery) {
	defer a.wg.Done()
	// deliveries in hand are finished even when consumption stops
	workCtx := context.WithoutCancel(ctx)
	for d := range deliveries {
		a.handle(workCtx, d)
	}
}

func (a *Adapter) handle(ctx context.Context, d queue.Delivery) {
	a.cfg.Metrics.DeliveryStarted()
	logger := a.logger.WithFields(map[string]interface{}{
		logging.KeyMessageID: d.ID(),
		logging.KeyAttempt:   d.Attempt(),
	})

	id, err := a.forward(ctx, d.Body())
	if !id.IsZero() {
		logger = logger.WithTxHash(id.Hex())
	}

	switch {
	case err == nil:
		a.settle(ctx, d, logger, metrics.OutcomeAcked, d.Ack)
		logger.Info("Transaction forwarded")
	case ledger.IsConnectionError(err):
		logger.WithError(err).Warn("Ledger unavailable, requeueing transaction")
		a.requeue(ctx, d, logger)
	case a.cfg.MaxRedeliveries > 0 && d.Attempt() > a.cfg.MaxRedeliveries:
		logger.WithError(err).Warn("Forward failed after maximum redeliveries, dead-lettering transaction")
		a.deadLetter(ctx, d, logger)
	default:
		logger.WithError(err).Warn("Forward failed, requeueing transaction")
		a.requeue(ctx, d, logger)
	}
}

// forward submits body verbatim. The decoded ID is only used for logging.
func (a *Adapter) forward(ctx context.Context, body []byte) (id transaction.ID, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = relayerrors.NewRelayError(relayerrors.RelayErrForward, fmt.Sprintf("panic while forwarding: %v", r), nil)
		}
	}()

	id, err = transaction.IDOf(body)
	if err != nil {
		return id, relayerrors.RelayWrapWithCode(err, relayerrors.OpForward, relayerrors.RelayErrMalformed, "malformed envelope")
	}

	if a.cfg.ForwardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ForwardTimeout)
		defer cancel()
	}

	start := time.Now()
	err = a.gateway.SubmitTransaction(ctx, body)
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.cfg.Metrics.RecordForward(result, time.Since(start))

	if err != nil {
		return id, relayerrors.RelayWrapWithCode(err, relayerrors.OpForward, relayerrors.RelayErrForward, "ledger submit failed")
	}
	return id, nil
}

func (a *Adapter) requeue(ctx context.Context, d queue.Delivery, logger *logging.Logger) {
	a.settle(ctx, d, logger, metrics.OutcomeRequeued, func(ctx context.Context) error {
		return d.Nack(ctx, true)
	})
}

func (a *Adapter) deadLetter(ctx context.Context, d queue.Delivery, logger *logging.Logger) {
	if err := a.cfg.DeadLetter.Publish(ctx, d.Body()); err != nil {
		logger.WithError(relayerrors.RelayWrapWithCode(err, relayerrors.OpDeadLetter, relayerrors.RelayErrDeadLetter, "failed to dead-letter transaction")).
			Error("Dead-letter publish failed, requeueing transaction")
		a.requeue(ctx, d, logger)
		return
	}
	a.settle(ctx, d, logger, metrics.OutcomeDead, d.Ack)
}

func (a *Adapter) settle(ctx context.Context, d queue.Delivery, logger *logging.Logger, outcome string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		logger.WithError(err).Error("Failed to settle delivery", "outcome", outcome)
	}
	a.cfg.Metrics.DeliverySettled(outcome)
}

// Running reports whether the adapter is consuming.
func (a *Adapter) Running() bool {
	return a.running.Load()
}

// Ping checks the broker connection.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.consumer.Ping(ctx)
}

// Stop cancels consumption and waits for the workers to finish the
// deliveries they hold. It is safe to call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.stopped = true
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.running.Store(false)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("Relay adapter stopped")
		return nil
	case <-ctx.Done():
		return relayerrors.Wrap(ctx.Err(), "timed out waiting for relay workers")
	}
}

// Close stops the adapter and releases the consumer connection.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		stopErr := a.Stop(context.Background())
		a.closeErr = relayerrors.Join(stopErr, a.consumer.Close())
	})
	return a.closeErr
}
