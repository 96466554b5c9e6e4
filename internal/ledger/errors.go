package ledger

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsConnectionError reports whether err means the ledger RPC channel is
// unavailable. Only codes.Unavailable counts; rejections, protocol errors and
// cancellations are never connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return false
	}
	return status.Code(err) == codes.Unavailable
}

// IsRejection reports whether err carries a ledger rejection.
func IsRejection(err error) bool {
	var rejection *RejectionError
	return errors.As(err, &rejection)
}
