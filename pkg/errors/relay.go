// pkg/errors/relay.go
package errors

// Relay error codes
const (
	// RelayErrPublish indicates the envelope could not be written to the queue
	RelayErrPublish = "RELAY_PUBLISH"
	// RelayErrSign indicates the transaction could not be signed
	RelayErrSign = "RELAY_SIGN"
	// RelayErrMalformed indicates an envelope that cannot be decoded
	RelayErrMalformed = "RELAY_MALFORMED_ENVELOPE"
	// RelayErrSubscribe indicates a non-transient status subscription failure
	RelayErrSubscribe = "RELAY_SUBSCRIBE"
	// RelayErrQuorum indicates the account quorum could not be read
	RelayErrQuorum = "RELAY_QUORUM"
	// RelayErrForward indicates the ledger did not accept a forwarded envelope
	RelayErrForward = "RELAY_FORWARD"
	// RelayErrDeadLetter indicates an envelope could not be dead-lettered
	RelayErrDeadLetter = "RELAY_DEAD_LETTER"
)

// Relay domain name
const RelayDomain = "relay"

// Relay operations
const (
	OpSubmit      = "Submit"
	OpSubmitBatch = "SubmitBatch"
	OpSign        = "Sign"
	OpPublish     = "Publish"
	OpWaitStatus  = "WaitStatus"
	OpQuorum      = "AccountQuorum"
	OpForward     = "Forward"
	OpStart       = "Start"
	OpDeadLetter  = "DeadLetter"
)

// NewRelayError creates a new relay error
func NewRelayError(code string, message string, err error) error {
	return &Error{
		Domain:   RelayDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// RelayWrap wraps an error with relay domain and operation
func RelayWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    RelayDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// RelayWrapWithCode wraps an error with relay domain, operation and code
func RelayWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    RelayDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsRelayError checks if an error is a relay error with the given code
func IsRelayError(err error, code string) bool {
	var domainErr *Error
	for As(err, &domainErr) {
		if domainErr.Domain == RelayDomain && domainErr.Code == code {
			return true
		}
		err = domainErr.Original
		if err == nil {
			return false
		}
	}
	return false
}
