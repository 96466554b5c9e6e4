// Package queue defines the durable queue contract shared by the submitter
// and the relay adapter, and the message record every driver stores.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
)

// ErrSettled is returned when a delivery is acked or nacked twice.
var ErrSettled = errors.New("delivery already settled")

// Publisher writes envelopes to a durable queue.
type Publisher interface {
	// Publish returns once the broker has persisted body.
	Publish(ctx context.Context, body []byte) error
	Close() error
}

// Delivery is one envelope handed to a consumer. Exactly one of Ack or Nack
// must be called; until then the delivery counts against the prefetch bound.
type Delivery interface {
	ID() string
	Body() []byte
	// Attempt is 1 on first delivery and grows with every requeue.
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Consumer reads envelopes from a durable queue with manual acknowledgement.
type Consumer interface {
	// Consume starts delivering. At most prefetch deliveries are outstanding
	// at any time. The channel is closed when ctx is done or the consumer
	// is closed.
	Consume(ctx context.Context, prefetch int) (<-chan Delivery, error)
	// Faults reports broker-connection failures. A consumer that reported a
	// fault delivers nothing further.
	Faults() <-chan error
	Ping(ctx context.Context) error
	Close() error
}

// Message is the record stored by brokers for each envelope.
type Message struct {
	ID          string    `json:"id"`
	Body        []byte    `json:"body"`
	Attempt     int       `json:"attempt"`
	PublishedAt time.Time `json:"published_at"`
}

// NewMessage wraps body in a first-attempt message with a fresh ID.
func NewMessage(body []byte) Message {
	return Message{
		ID:          uuid.NewString(),
		Body:        body,
		Attempt:     1,
		PublishedAt: time.Now().UTC(),
	}
}

// Redelivery returns the record to store when m is requeued.
func (m Message) Redelivery() Message {
	m.Attempt++
	return m
}

// Encode serializes the record.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, relayerrors.NewQueueError(relayerrors.QueueErrSerialization, "failed to encode message", err)
	}
	return b, nil
}

// DecodeMessage parses a record produced by Encode.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, relayerrors.NewQueueError(relayerrors.QueueErrSerialization, "failed to decode message", err)
	}
	if m.Attempt < 1 {
		m.Attempt = 1
	}
	return m, nil
}
