// Package ledger is the relay's view of the ledger: the status taxonomy, the
// gateway contract and its gRPC implementation.
package ledger

import (
	"fmt"

	"github.com/cmatc13/txrelay/internal/transaction"
)

// Kind classifies a status event.
type Kind int

const (
	// NotReceived means the ledger has not seen the transaction yet.
	NotReceived Kind = iota
	// Pending means the transaction is known but not final.
	Pending
	// Committed is terminal success.
	Committed
	// Rejected is terminal failure. The event carries the cause.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case NotReceived:
		return "NOT_RECEIVED"
	case Pending:
		return "PENDING"
	case Committed:
		return "COMMITTED"
	case Rejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one observation of a transaction's progress.
type Event struct {
	TxID transaction.ID
	Kind Kind
	// Detail is the ledger's raw status name, kept for logs.
	Detail string
	// Cause is set only for Rejected events.
	Cause *RejectionError
}

// Terminal reports whether no further change is expected after e.
func (e Event) Terminal() bool {
	return e.Kind == Committed || e.Kind == Rejected
}

// RejectionError is a well-formed ledger-level refusal of a transaction.
type RejectionError struct {
	TxID           transaction.ID
	Status         string
	ErrorCode      uint32
	FailedCommand  string
	FailedCmdIndex uint64
	Message        string
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("transaction %s rejected with status %s", e.TxID, e.Status)
	if e.FailedCommand != "" {
		msg += fmt.Sprintf(" (command %s at index %d, code %d)", e.FailedCommand, e.FailedCmdIndex, e.ErrorCode)
	} else if e.ErrorCode != 0 {
		msg += fmt.Sprintf(" (code %d)", e.ErrorCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
