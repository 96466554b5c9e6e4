// pkg/errors/queue.go
package errors

// Queue error codes
const (
	// QueueErrConnection indicates the broker connection failed or was lost
	QueueErrConnection = "QUEUE_CONNECTION"
	// QueueErrDeclare indicates the queue could not be declared
	QueueErrDeclare = "QUEUE_DECLARE"
	// QueueErrWrite indicates a publish was not confirmed by the broker
	QueueErrWrite = "QUEUE_WRITE"
	// QueueErrAck indicates an acknowledgement could not be recorded
	QueueErrAck = "QUEUE_ACK"
	// QueueErrSerialization indicates a message record could not be encoded or decoded
	QueueErrSerialization = "QUEUE_SERIALIZATION"
)

// Queue domain name
const QueueDomain = "queue"

// NewQueueError creates a new queue error
func NewQueueError(code string, message string, err error) error {
	return &Error{
		Domain:   QueueDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// QueueErrorf creates a new queue error with formatted message
func QueueErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  QueueDomain,
		Code:    code,
		Message: sprintf(format, args...),
	}
}

// IsQueueError checks if an error is a queue error with the given code
func IsQueueError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == QueueDomain && domainErr.Code == code
	}
	return false
}
