// Package submitter implements reliable submission of signed transactions
// through a durable queue.
//
// Submit publishes the envelope and then follows the ledger status stream of
// the transaction until it is committed or rejected. Status subscriptions
// that fail with a connectivity fault are retried after a fixed backoff; any
// other fault ends the submission.
package submitter

import (
	"context"
	"io"
	"time"

	"github.com/cmatc13/txrelay/internal/ledger"
	"github.com/cmatc13/txrelay/internal/queue"
	"github.com/cmatc13/txrelay/internal/transaction"
	"github.com/cmatc13/txrelay/internal/wallet"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
	"github.com/cmatc13/txrelay/pkg/logging"
	"github.com/cmatc13/txrelay/pkg/metrics"
)

// Submitter signs transactions for one identity and submits them reliably.
// It is safe for concurrent use.
type Submitter struct {
	identity  wallet.Identity
	publisher queue.Publisher
	gateway   ledger.Gateway
	quorum    int
	cfg       Config
	logger    *logging.Logger
}

// New creates a submitter. Unless a quorum is configured, the account quorum
// is read from the ledger once; failing to read it fails construction.
func New(ctx context.Context, identity wallet.Identity, publisher queue.Publisher, gateway ledger.Gateway, opts ...Option) (*Submitter, error) {
	if identity.AccountID == "" {
		return nil, relayerrors.WithField(relayerrors.ErrInvalidInput, "field", "account_id")
	}
	if publisher == nil || gateway == nil {
		return nil, relayerrors.Wrap(relayerrors.ErrInvalidInput, "publisher and gateway are required")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	s := &Submitter{
		identity:  identity,
		publisher: publisher,
		gateway:   gateway,
		quorum:    cfg.Quorum,
		cfg:       cfg,
		logger:    cfg.Logger.WithField("account_id", identity.AccountID),
	}

	if s.quorum <= 0 {
		quorum, err := gateway.AccountQuorum(ctx, identity.AccountID)
		if err != nil {
			return nil, relayerrors.RelayWrapWithCode(err, relayerrors.OpQuorum, relayerrors.RelayErrQuorum, "failed to read account quorum")
		}
		if quorum < 1 {
			return nil, relayerrors.NewRelayError(relayerrors.RelayErrQuorum, "ledger reported a quorum below 1", nil)
		}
		s.quorum = quorum
	}

	s.logger.Info("Submitter ready", "quorum", s.quorum, "fire_and_forget", cfg.FireAndForget)
	return s, nil
}

// Creator returns the account the submitter signs for.
func (s *Submitter) Creator() string {
	return s.identity.AccountID
}

// CurrentQuorum returns the quorum captured at construction.
func (s *Submitter) CurrentQuorum() int {
	return s.quorum
}

// Sign fills in the creator and quorum when unset and signs the payload
// with the identity key.
func (s *Submitter) Sign(utx transaction.Unsigned) (*transaction.Transaction, error) {
	if s.identity.Keypair == nil {
		return nil, relayerrors.NewRelayError(relayerrors.RelayErrSign, "identity has no signing key", nil)
	}
	if utx.CreatorAccountID == "" {
		utx.CreatorAccountID = s.identity.AccountID
	}
	if utx.Quorum == 0 {
		utx.Quorum = uint32(s.quorum)
	}
	if utx.CreatedTime.IsZero() {
		utx.CreatedTime = s.cfg.Clock.Now()
	}

	tx, err := transaction.Sign(utx, s.identity.Keypair)
	if err != nil {
		return nil, relayerrors.RelayWrapWithCode(err, relayerrors.OpSign, relayerrors.RelayErrSign, "failed to sign transaction")
	}
	return tx, nil
}

// SubmitUnsigned signs utx and submits it.
func (s *Submitter) SubmitUnsigned(ctx context.Context, utx transaction.Unsigned) (transaction.ID, error) {
	tx, err := s.Sign(utx)
	if err != nil {
		return transaction.ID{}, err
	}
	return s.Submit(ctx, tx)
}

// SubmitBatch is not supported and never touches the queue.
func (s *Submitter) SubmitBatch(context.Context, []*transaction.Transaction) ([]transaction.ID, error) {
	return nil, relayerrors.RelayWrap(relayerrors.ErrUnsupported, relayerrors.OpSubmitBatch, "batch submission is not supported")
}

// Submit publishes tx and, unless fire-and-forget is enabled, waits for a
// terminal status. A ledger rejection is returned as *ledger.RejectionError.
// Once the envelope is published the returned ID is valid even when an
// error is returned.
func (s *Submitter) Submit(ctx context.Context, tx *transaction.Transaction) (transaction.ID, error) {
	if tx == nil {
		return transaction.ID{}, relayerrors.Wrap(relayerrors.ErrInvalidInput, "nil transaction")
	}

	id := tx.ID()
	logger := s.logger.WithTxHash(id.Hex())

	if err := s.publisher.Publish(ctx, tx.Marshal()); err != nil {
		s.cfg.Metrics.RecordSubmission(metrics.ResultFailed)
		logger.WithError(err).Error("Failed to publish transaction")
		return transaction.ID{}, relayerrors.RelayWrapWithCode(err, relayerrors.OpPublish, relayerrors.RelayErrPublish, "failed to publish transaction")
	}
	logger.Debug("Transaction published")

	if s.cfg.FireAndForget {
		s.cfg.Metrics.RecordSubmission(metrics.ResultPublished)
		return id, nil
	}

	err := s.waitStatus(ctx, id, logger)
	switch {
	case err == nil:
		s.cfg.Metrics.RecordSubmission(metrics.ResultCommitted)
		logger.Info("Transaction committed")
	case ledger.IsRejection(err):
		s.cfg.Metrics.RecordSubmission(metrics.ResultRejected)
		logger.WithError(err).Warn("Transaction rejected")
	case relayerrors.Is(err, relayerrors.ErrStopped):
		s.cfg.Metrics.RecordSubmission(metrics.ResultStopped)
		logger.Info("Submission stopped before a terminal status")
	default:
		s.cfg.Metrics.RecordSubmission(metrics.ResultFailed)
		logger.WithError(err).Error("Status subscription failed")
	}
	return id, err
}

type state int

const (
	stateSubscribing state = iota
	stateBackoff
	stateTerminal
)

func (s *Submitter) waitStatus(ctx context.Context, id transaction.ID, logger *logging.Logger) error {
	current := stateSubscribing
	attempt := 0
	var result error

	for {
		if ctx.Err() != nil {
			return s.stopped(ctx)
		}

		switch current {
		case stateSubscribing:
			last, err := s.observe(ctx, id, logger)
			switch {
			case err == nil && last.Kind == ledger.Committed:
				result = nil
				current = stateTerminal
			case err == nil && last.Kind == ledger.Rejected:
				result = rejection(id, last)
				current = stateTerminal
			case err == nil:
				logger.Debug("Status stream ended before a terminal status", "last_status", last.Kind.String())
				if err := s.sleep(ctx, s.cfg.ResubscribeDelay); err != nil {
					return s.stopped(ctx)
				}
			case ctx.Err() != nil:
				return s.stopped(ctx)
			case ledger.IsConnectionError(err):
				current = stateBackoff
			default:
				return relayerrors.RelayWrapWithCode(err, relayerrors.OpWaitStatus, relayerrors.RelayErrSubscribe, "status subscription failed")
			}

		case stateBackoff:
			attempt++
			logger.Warn("Ledger unavailable, retrying status subscription", logging.KeyAttempt, attempt, "backoff", s.cfg.Backoff.String())
			s.cfg.Metrics.RecordSubscriptionRetry()
			if err := s.sleep(ctx, s.cfg.Backoff); err != nil {
				return s.stopped(ctx)
			}
			current = stateSubscribing

		case stateTerminal:
			return result
		}
	}
}

// observe reads one status stream to its end and returns the last event.
func (s *Submitter) observe(ctx context.Context, id transaction.ID, logger *logging.Logger) (ledger.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	last := ledger.Event{TxID: id, Kind: ledger.NotReceived}

	sub, err := s.gateway.SubscribeStatus(ctx, id)
	if err != nil {
		return last, err
	}

	for {
		ev, err := sub.Recv()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return last, err
		}
		last = ev
		logger.Debug("Status received", "status", ev.Kind.String(), "detail", ev.Detail)
		if ev.Terminal() {
			return ev, nil
		}
	}
}

func (s *Submitter) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cfg.Clock.After(d):
		return nil
	}
}

func (s *Submitter) stopped(ctx context.Context) error {
	return relayerrors.RelayWrap(relayerrors.Join(relayerrors.ErrStopped, ctx.Err()), relayerrors.OpWaitStatus, "submission stopped")
}

func rejection(id transaction.ID, ev ledger.Event) error {
	if ev.Cause != nil {
		return ev.Cause
	}
	return &ledger.RejectionError{TxID: id, Status: ev.Detail}
}
