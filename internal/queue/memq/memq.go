// Package memq is an in-process queue driver. It keeps messages in memory
// only and is meant for tests and single-process dry runs.
package memq

import (
	"context"
	"sync"

	"github.com/cmatc13/txrelay/internal/queue"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
)

// Broker holds named in-memory queues.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*memQueue

	publishErr error

	outstanding    int
	maxOutstanding int
	acked          int
	requeued       int
	dropped        int
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*memQueue)}
}

type memQueue struct {
	mu     sync.Mutex
	items  []queue.Message
	signal chan struct{}
}

func (b *Broker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (q *memQueue) push(m queue.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.wake()
}

func (q *memQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop(ctx context.Context) (queue.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return m, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queue.Message{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// SetPublishError makes every following Publish fail with err (nil restores).
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Len returns the number of ready messages in name.
func (b *Broker) Len(name string) int {
	q := b.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Messages returns a copy of the ready messages in name.
func (b *Broker) Messages(name string) []queue.Message {
	q := b.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.items...)
}

// Stats are delivery counters across all consumers of the broker.
type Stats struct {
	Outstanding    int
	MaxOutstanding int
	Acked          int
	Requeued       int
	Dropped        int
}

// Stats returns a snapshot of the delivery counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Outstanding:    b.outstanding,
		MaxOutstanding: b.maxOutstanding,
		Acked:          b.acked,
		Requeued:       b.requeued,
		Dropped:        b.dropped,
	}
}

func (b *Broker) delivered() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outstanding++
	if b.outstanding > b.maxOutstanding {
		b.maxOutstanding = b.outstanding
	}
}

type outcome int

const (
	outcomeUndelivered outcome = iota
	outcomeAcked
	outcomeRequeued
	outcomeDropped
)

func (b *Broker) settled(o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outstanding--
	switch o {
	case outcomeAcked:
		b.acked++
	case outcomeRequeued:
		b.requeued++
	case outcomeDropped:
		b.dropped++
	}
}

// Publisher returns a publisher for the named queue.
func (b *Broker) Publisher(name string) *Publisher {
	return &Publisher{broker: b, name: name}
}

// Consumer returns a consumer for the named queue.
func (b *Broker) Consumer(name string) *Consumer {
	return &Consumer{
		broker: b,
		name:   name,
		faults: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Publisher implements queue.Publisher.
type Publisher struct {
	broker *Broker
	name   string
}

// Publish implements queue.Publisher.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.broker.mu.Lock()
	err := p.broker.publishErr
	p.broker.mu.Unlock()
	if err != nil {
		return relayerrors.NewQueueError(relayerrors.QueueErrWrite, "publish to "+p.name+" failed", err)
	}

	p.broker.queue(p.name).push(queue.NewMessage(append([]byte(nil), body...)))
	return nil
}

// Close implements queue.Publisher.
func (p *Publisher) Close() error { return nil }

// Consumer implements queue.Consumer.
type Consumer struct {
	broker *Broker
	name   string

	faults    chan error
	faultOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
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
	q := c.broker.queue(c.name)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		defer cancel()

		go func() {
			select {
			case <-c.closed:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			if err := sem.Acquire(ctx); err != nil {
				return
			}
			m, err := q.pop(ctx)
			if err != nil {
				sem.Release()
				return
			}

			c.broker.delivered()
			d := &delivery{msg: m, queue: q, broker: c.broker, settle: queue.NewSettlement(sem)}
			select {
			case out <- d:
			case <-ctx.Done():
				// not handed out; put it back untouched
				c.broker.settled(outcomeUndelivered)
				q.push(m)
				sem.Release()
				return
			}
		}
	}()

	return out, nil
}

// Fail simulates the loss of the broker connection: err is reported on
// Faults and delivery stops.
func (c *Consumer) Fail(err error) {
	c.faultOnce.Do(func() {
		c.faults <- relayerrors.NewQueueError(relayerrors.QueueErrConnection, "memory broker connection lost", err)
	})
	c.shutdown()
}

// Faults implements queue.Consumer.
func (c *Consumer) Faults() <-chan error {
	return c.faults
}

// Ping implements queue.Consumer.
func (c *Consumer) Ping(context.Context) error {
	select {
	case <-c.closed:
		return relayerrors.ErrClosed
	default:
		return nil
	}
}

// Close implements queue.Consumer.
func (c *Consumer) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

func (c *Consumer) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

type delivery struct {
	msg    queue.Message
	queue  *memQueue
	broker *Broker
	settle *queue.Settlement
}

func (d *delivery) ID() string   { return d.msg.ID }
func (d *delivery) Body() []byte { return d.msg.Body }
func (d *delivery) Attempt() int { return d.msg.Attempt }

func (d *delivery) Ack(context.Context) error {
	return d.settle.Settle(func() error {
		d.broker.settled(outcomeAcked)
		return nil
	})
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	return d.settle.Settle(func() error {
		if requeue {
			d.broker.settled(outcomeRequeued)
			d.queue.push(d.msg.Redelivery())
			return nil
		}
		d.broker.settled(outcomeDropped)
		return nil
	})
}

var (
	_ queue.Publisher = (*Publisher)(nil)
	_ queue.Consumer  = (*Consumer)(nil)
)
