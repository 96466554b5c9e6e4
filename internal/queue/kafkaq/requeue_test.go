package kafkaq

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/txrelay/internal/queue"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
	"github.com/cmatc13/txrelay/pkg/logging"
)

type recordingCommitter struct {
	mu      sync.Mutex
	commits []kafka.Offset
}

func (r *recordingCommitter) CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tp := range offsets {
		r.commits = append(r.commits, tp.Offset)
	}
	return offsets, nil
}

type republished struct {
	value   []byte
	attempt int
}

func testConsumer(republishErr error) (*Consumer, *recordingCommitter, *[]republished) {
	committer := &recordingCommitter{}
	var sent []republished
	c := &Consumer{
		topic:     "transactions",
		offsets:   newOffsetTracker(),
		committer: committer,
		logger:    logging.Nop(),
		faults:    make(chan error, 1),
		faulted:   make(chan struct{}),
		closed:    make(chan struct{}),
		republish: func(_ context.Context, value []byte, headers []kafka.Header) error {
			if republishErr != nil {
				return republishErr
			}
			sent = append(sent, republished{value: value, attempt: attemptOf(headers)})
			return nil
		},
	}
	return c, committer, &sent
}

func testDelivery(t *testing.T, c *Consumer, offset kafka.Offset, attempt int) *delivery {
	t.Helper()
	sem := queue.NewSemaphore(4)
	require.NoError(t, sem.Acquire(context.Background()))

	topic := c.topic
	c.offsets.track(0, offset)
	return &delivery{
		consumer: c,
		msg: &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: offset},
			Value:          []byte("envelope"),
		},
		id:      "m-1",
		attempt: attempt,
		settle:  queue.NewSettlement(sem),
	}
}

func TestNackRepublishesThenCommits(t *testing.T) {
	c, committer, sent := testConsumer(nil)

	d := testDelivery(t, c, 40, 2)
	require.NoError(t, d.Nack(context.Background(), true))

	require.Len(t, *sent, 1)
	assert.Equal(t, []byte("envelope"), (*sent)[0].value)
	assert.Equal(t, 3, (*sent)[0].attempt)
	assert.Equal(t, []kafka.Offset{41}, committer.commits)
	assert.Zero(t, c.offsets.outstanding(0))
}

func TestNackRepublishFailureIsBrokerFault(t *testing.T) {
	down := kafka.NewError(kafka.ErrAllBrokersDown, "all brokers down", false)
	c, committer, _ := testConsumer(down)

	stuck := testDelivery(t, c, 7, 1)
	next := testDelivery(t, c, 8, 1)

	err := stuck.Nack(context.Background(), true)
	require.Error(t, err)
	assert.Empty(t, committer.commits, "a lost requeue must not be committed")

	select {
	case fault := <-c.Faults():
		assert.True(t, relayerrors.IsQueueError(fault, relayerrors.QueueErrConnection))
		var kerr kafka.Error
		require.True(t, errors.As(fault, &kerr))
		assert.Equal(t, kafka.ErrAllBrokersDown, kerr.Code())
	default:
		t.Fatal("expected a broker fault after the requeue was lost")
	}
	select {
	case <-c.faulted:
	default:
		t.Fatal("consumption must stop after a fault")
	}

	require.NoError(t, next.Ack(context.Background()))
	assert.Empty(t, committer.commits, "offset 7 still blocks the partition until redelivery")
	assert.Equal(t, 2, c.offsets.outstanding(0))
}

func TestAckCommitsDirectly(t *testing.T) {
	c, committer, sent := testConsumer(nil)

	d := testDelivery(t, c, 3, 1)
	require.NoError(t, d.Ack(context.Background()))
	assert.ErrorIs(t, d.Nack(context.Background(), true), queue.ErrSettled)

	assert.Empty(t, *sent)
	assert.Equal(t, []kafka.Offset{4}, committer.commits)
}
