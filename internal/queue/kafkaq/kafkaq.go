// Package kafkaq implements the queue contract on a Kafka topic.
//
// Envelopes are produced with acks=all on an idempotent producer and
// consumed by a consumer group with auto-commit disabled. Settled offsets
// are committed per partition once every earlier delivery is settled too.
// A requeue republishes the envelope with a higher attempt header and then
// settles the original.
package kafkaq

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"

	"github.com/cmatc13/txrelay/internal/queue"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
	"github.com/cmatc13/txrelay/pkg/logging"
)

const (
	headerMessageID   = "txrelay-message-id"
	headerAttempt     = "txrelay-attempt"
	headerPublishedAt = "txrelay-published-at"

	defaultPollTimeout  = 100 * time.Millisecond
	metadataTimeout     = 10 * time.Second
	producerFlushMillis = 15 * 1000
)

// Config holds connection settings for the Kafka driver.
type Config struct {
	// Brokers is the bootstrap.servers list.
	Brokers string
	Topic   string
	// Group is the consumer group id.
	Group string
	// PollTimeout bounds one poll so cancellation is noticed.
	PollTimeout time.Duration

	Logger *logging.Logger
}

func (c Config) logger() *logging.Logger {
	if c.Logger == nil {
		return logging.Nop()
	}
	return c.Logger
}

func messageHeaders(id string, attempt int) []kafka.Header {
	return []kafka.Header{
		{Key: headerMessageID, Value: []byte(id)},
		{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
		{Key: headerPublishedAt, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
	}
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func attemptOf(headers []kafka.Header) int {
	n, err := strconv.Atoi(headerValue(headers, headerAttempt))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func timeoutMillis(ctx context.Context, fallback time.Duration) int {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return int(d / time.Millisecond)
}

// isBrokerFault reports whether a client error means the broker is gone for
// good as far as this process is concerned.
func isBrokerFault(err kafka.Error) bool {
	return err.IsFatal() || err.Code() == kafka.ErrAllBrokersDown
}

type offsetCommitter interface {
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
}

type metadataSource interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
}

func declare(ctx context.Context, client metadataSource, topic string) error {
	md, err := client.GetMetadata(&topic, false, timeoutMillis(ctx, metadataTimeout))
	if err != nil {
		return relayerrors.NewQueueError(relayerrors.QueueErrConnection, "failed to fetch topic metadata", err)
	}
	tm, ok := md.Topics[topic]
	if !ok {
		return relayerrors.QueueErrorf(relayerrors.QueueErrDeclare, "topic %s not found", topic)
	}
	if tm.Error.Code() != kafka.ErrNoError {
		return relayerrors.NewQueueError(relayerrors.QueueErrDeclare, "topic "+topic+" unavailable", tm.Error)
	}
	return nil
}

// Publisher implements queue.Publisher.
type Publisher struct {
	producer *kafka.Producer
	topic    string
	logger   *logging.Logger
	done     chan struct{}
}

// NewPublisher creates an idempotent producer and checks that the topic
// exists.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, relayerrors.QueueErrorf(relayerrors.QueueErrDeclare, "topic is required")
	}
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, relayerrors.NewQueueError(relayerrors.QueueErrConnection, "failed to create Kafka producer", err)
	}
	if err := declare(ctx, producer, cfg.Topic); err != nil {
		producer.Close()
		return nil, err
	}

	p := &Publisher{
		producer: producer,
		topic:    cfg.Topic,
		logger:   cfg.logger().WithQueue(cfg.Topic),
		done:     make(chan struct{}),
	}
	go p.watchEvents()
	p.logger.Info("Kafka publisher connected", "brokers", cfg.Brokers)
	return p, nil
}

func (p *Publisher) watchEvents() {
	defer close(p.done)
	for ev := range p.producer.Events() {
		if e, ok := ev.(kafka.Error); ok {
			p.logger.WithError(e).Warn("Kafka producer error", "fatal", e.IsFatal())
		}
	}
}

// Publish implements queue.Publisher. It returns after the delivery report.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	msg := queue.NewMessage(body)
	return p.produce(ctx, msg.Body, messageHeaders(msg.ID, msg.Attempt))
}

func (p *Publisher) produce(ctx context.Context, value []byte, headers []kafka.Header) error {
	report := make(chan kafka.Event, 1)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Value:          value,
		Headers:        headers,
	}, report)
	if err != nil {
		return relayerrors.NewQueueError(relayerrors.QueueErrWrite, "failed to produce message", err)
	}

	select {
	case ev := <-report:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return relayerrors.QueueErrorf(relayerrors.QueueErrWrite, "unexpected delivery report %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return relayerrors.NewQueueError(relayerrors.QueueErrWrite, "message not delivered", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return relayerrors.NewQueueError(relayerrors.QueueErrWrite, "delivery report not received", ctx.Err())
	}
}

// Close implements queue.Publisher. Pending messages are flushed first.
func (p *Publisher) Close() error {
	if remaining := p.producer.Flush(producerFlushMillis); remaining > 0 {
		p.logger.Warn("Closing producer with undelivered messages", "remaining", remaining)
	}
	p.producer.Close()
	<-p.done
	return nil
}

// Consumer implements queue.Consumer.
type Consumer struct {
	consumer    *kafka.Consumer
	requeue     *Publisher
	republish   func(ctx context.Context, value []byte, headers []kafka.Header) error
	committer   offsetCommitter
	topic       string
	pollTimeout time.Duration
	offsets     *offsetTracker
	logger      *logging.Logger

	faults    chan error
	faulted   chan struct{}
	faultOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer joins cfg.Group on cfg.Topic. Requeued envelopes are
// republished through a producer owned by the consumer.
func NewConsumer(ctx context.Context, cfg Config) (*Consumer, error) {
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, relayerrors.QueueErrorf(relayerrors.QueueErrDeclare, "topic and group are required")
	}

	requeue, err := NewPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.Group,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		requeue.Close()
		return nil, relayerrors.NewQueueError(relayerrors.QueueErrConnection, "failed to create Kafka consumer", err)
	}

	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	c := &Consumer{
		consumer:    consumer,
		requeue:     requeue,
		republish:   requeue.produce,
		committer:   consumer,
		topic:       cfg.Topic,
		pollTimeout: pollTimeout,
		offsets:     newOffsetTracker(),
		logger:      cfg.logger().WithFields(map[string]interface{}{"queue": cfg.Topic, "group": cfg.Group}),
		faults:      make(chan error, 1),
		faulted:     make(chan struct{}),
		closed:      make(chan struct{}),
	}

	if err := consumer.SubscribeTopics([]string{cfg.Topic}, c.rebalance); err != nil {
		consumer.Close()
		requeue.Close()
		return nil, relayerrors.NewQueueError(relayerrors.QueueErrDeclare, "failed to subscribe to topic", err)
	}
	c.logger.Info("Kafka consumer subscribed", "brokers", cfg.Brokers)
	return c, nil
}

func (c *Consumer) rebalance(_ *kafka.Consumer, ev kafka.Event) error {
	switch e := ev.(type) {
	case kafka.AssignedPartitions:
		c.logger.Info("Partitions assigned", "partitions", len(e.Partitions))
	case kafka.RevokedPartitions:
		c.offsets.revoke(e.Partitions)
		c.logger.Info("Partitions revoked", "partitions", len(e.Partitions))
	}
	return nil
}

// Consume implements queue.Consumer.
func (c *Consumer) Consume(ctx context.Context, prefetch int) (<-chan queue.Delivery, error) {
	select {
	case <-c.closed:
		return nil, relayerrors.ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	sem := queue.NewSemaphore(prefetch)
	out := make(chan queue.Delivery)
	pollMillis := int(c.pollTimeout / time.Millisecond)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		defer cancel()

		go func() {
			select {
			case <-c.closed:
				cancel()
			case <-c.faulted:
				cancel()
			case <-ctx.Done():
			}
		}()

		for ctx.Err() == nil {
			if err := sem.Acquire(ctx); err != nil {
				return
			}

			msg, ok := c.poll(ctx, pollMillis)
			if !ok {
				sem.Release()
				return
			}

			tp := msg.TopicPartition
			c.offsets.track(tp.Partition, tp.Offset)
			d := &delivery{
				consumer: c,
				msg:      msg,
				id:       headerValue(msg.Headers, headerMessageID),
				attempt:  attemptOf(msg.Headers),
				settle:   queue.NewSettlement(sem),
			}
			if d.id == "" {
				d.id = uuid.NewString()
			}

			select {
			case out <- d:
			case <-ctx.Done():
				// left uncommitted; redelivered after the group rebalances
				sem.Release()
				return
			}
		}
	}()

	return out, nil
}

// poll returns the next message. It returns false when ctx is done or the
// broker reported a fault.
func (c *Consumer) poll(ctx context.Context, pollMillis int) (*kafka.Message, bool) {
	for ctx.Err() == nil {
		switch e := c.consumer.Poll(pollMillis).(type) {
		case nil:
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				c.logger.WithError(e.TopicPartition.Error).Warn("Consumer delivered an error message")
				continue
			}
			return e, true
		case kafka.Error:
			if isBrokerFault(e) {
				c.fail(e)
				return nil, false
			}
			c.logger.WithError(e).Warn("Kafka consumer error", "code", e.Code().String())
		default:
			c.logger.Debug("Ignored consumer event", "event", e.String())
		}
	}
	return nil, false
}

func (c *Consumer) fail(err error) {
	c.faultOnce.Do(func() {
		c.logger.WithError(err).Error("Kafka broker fault")
		c.faults <- relayerrors.NewQueueError(relayerrors.QueueErrConnection, "kafka broker fault", err)
		close(c.faulted)
	})
}

func (c *Consumer) commit(partition int32, offset kafka.Offset) error {
	commit, ok := c.offsets.markDone(partition, offset)
	if !ok {
		return nil
	}
	_, err := c.committer.CommitOffsets([]kafka.TopicPartition{{
		Topic:     &c.topic,
		Partition: partition,
		Offset:    commit,
	}})
	if err != nil {
		return relayerrors.NewQueueError(relayerrors.QueueErrAck, "failed to commit offset", err)
	}
	return nil
}

// Faults implements queue.Consumer.
func (c *Consumer) Faults() <-chan error {
	return c.faults
}

// Ping implements queue.Consumer.
func (c *Consumer) Ping(ctx context.Context) error {
	return declare(ctx, c.consumer, c.topic)
}

// Close implements queue.Consumer.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wg.Wait()
		if cerr := c.consumer.Close(); cerr != nil {
			err = relayerrors.NewQueueError(relayerrors.QueueErrConnection, "failed to close consumer", cerr)
		}
		c.requeue.Close()
	})
	return err
}

type delivery struct {
	consumer *Consumer
	msg      *kafka.Message
	id       string
	attempt  int
	settle   *queue.Settlement
}

func (d *delivery) ID() string   { return d.id }
func (d *delivery) Body() []byte { return d.msg.Value }
func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Ack(context.Context) error {
	return d.settle.Settle(func() error {
		tp := d.msg.TopicPartition
		return d.consumer.commit(tp.Partition, tp.Offset)
	})
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	return d.settle.Settle(func() error {
		if requeue {
			if err := d.consumer.republish(ctx, d.msg.Value, messageHeaders(d.id, d.attempt+1)); err != nil {
				// the offset can never be committed now, which would stall the
				// partition; fail so the group redelivers it after a restart
				d.consumer.fail(err)
				return err
			}
		}
		tp := d.msg.TopicPartition
		return d.consumer.commit(tp.Partition, tp.Offset)
	})
}

var (
	_ queue.Publisher = (*Publisher)(nil)
	_ queue.Consumer  = (*Consumer)(nil)
)
