package ledger

import (
	"context"

	"github.com/cmatc13/txrelay/internal/transaction"
)

// Gateway is the subset of the ledger API the relay depends on.
type Gateway interface {
	// SubmitTransaction hands raw envelope bytes to the ledger and returns once
	// the ledger has accepted or refused them.
	SubmitTransaction(ctx context.Context, raw []byte) error
	// SubscribeStatus opens a status stream for id.
	SubscribeStatus(ctx context.Context, id transaction.ID) (Subscription, error)
	// AccountQuorum returns the number of signatures accountID requires.
	AccountQuorum(ctx context.Context, accountID string) (int, error)
}

// Subscription yields status events. Recv returns io.EOF once the ledger
// closes the stream, which it does after the first terminal event or after
// giving up on a transaction it has not received.
type Subscription interface {
	Recv() (Event, error)
}
