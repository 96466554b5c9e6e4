// Package redisq implements the queue contract on Redis lists.
//
// Publishers LPUSH message records onto the queue list. Each consumer moves
// records with BRPOPLPUSH into its own processing list and removes them from
// there on Ack. Records left in a processing list by a consumer that went
// away are moved back to the queue when a consumer with the same name
// starts.
package redisq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/txrelay/internal/queue"
	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
	"github.com/cmatc13/txrelay/pkg/logging"
)

const (
	keyPrefix = "txrelay:queue:"

	defaultBlockTimeout = time.Second
)

// requeueScript removes a record from the processing list and pushes its
// redelivery onto the queue in one step.
var requeueScript = redis.NewScript(`
	local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
	if removed == 0 then
		return 0
	end
	redis.call("LPUSH", KEYS[2], ARGV[2])
	return 1
`)

// QueueKey is the Redis list holding the ready records of name.
func QueueKey(name string) string {
	return keyPrefix + name
}

// ProcessingKey is the Redis list holding the records consumer has taken
// from name and not yet settled.
func ProcessingKey(name, consumer string) string {
	return keyPrefix + name + ":processing:" + consumer
}

// Config holds connection settings for the Redis driver.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Queue is the list name shared by publishers and consumers.
	Queue string
	// Consumer names the processing list of a consumer. Restarting with the
	// same name recovers the records the previous instance left unsettled.
	Consumer string
	// BlockTimeout bounds one blocking pop so cancellation is noticed.
	BlockTimeout time.Duration

	Logger *logging.Logger
}

func (c Config) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

func (c Config) logger() *logging.Logger {
	if c.Logger == nil {
		return logging.Nop()
	}
	return c.Logger
}

func connect(ctx context.Context, client *redis.Client, addr string) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return relayerrors.NewQueueError(relayerrors.QueueErrConnection, fmt.Sprintf("failed to connect to Redis at %s", addr), err)
	}
	return nil
}

// Publisher implements queue.Publisher.
type Publisher struct {
	client *redis.Client
	key    string
	logger *logging.Logger
}

// NewPublisher connects to Redis. Lists need no declaration, so a
// successful ping is all that is checked.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Queue == "" {
		return nil, relayerrors.QueueErrorf(relayerrors.QueueErrDeclare, "queue name is required")
	}
	client := cfg.client()
	if err := connect(ctx, client, cfg.Addr); err != nil {
		client.Close()
		return nil, err
	}

	logger := cfg.logger().WithQueue(cfg.Queue)
	logger.Info("Redis publisher connected", "addr", cfg.Addr)

	return &Publisher{client: client, key: QueueKey(cfg.Queue), logger: logger}, nil
}

// Publish implements queue.Publisher. The record is persisted once LPUSH
// returns.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	msg := queue.NewMessage(body)
	record, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := p.client.LPush(ctx, p.key, record).Err(); err != nil {
		return relayerrors.NewQueueError(relayerrors.QueueErrWrite, "failed to push message", err)
	}
	p.logger.Debug("Message published", logging.KeyMessageID, msg.ID)
	return nil
}

// Close implements queue.Publisher.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Consumer implements queue.Consumer.
type Consumer struct {
	client        *redis.Client
	queueKey      string
	processingKey string
	blockTimeout  time.Duration
	logger        *logging.Logger

	faults    chan error
	faultOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer connects to Redis and moves records left in the processing
// list of cfg.Consumer back onto the queue.
func NewConsumer(ctx context.Context, cfg Config) (*Consumer, error) {
	if cfg.Queue == "" || cfg.Consumer == "" {
		return nil, relayerrors.QueueErrorf(relayerrors.QueueErrDeclare, "queue and consumer names are required")
	}
	client := cfg.client()
	if err := connect(ctx, client, cfg.Addr); err != nil {
		client.Close()
		return nil, err
	}

	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}

	c := &Consumer{
		client:        client,
		queueKey:      QueueKey(cfg.Queue),
		processingKey: ProcessingKey(cfg.Queue, cfg.Consumer),
		blockTimeout:  blockTimeout,
		logger:        cfg.logger().WithFields(map[string]interface{}{"queue": cfg.Queue, "consumer": cfg.Consumer}),
		faults:        make(chan error, 1),
		closed:        make(chan struct{}),
	}

	recovered, err := c.recoverOrphans(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.logger.Info("Redis consumer connected", "addr", cfg.Addr, "recovered", recovered)
	return c, nil
}

func (c *Consumer) recoverOrphans(ctx context.Context) (int, error) {
	n := 0
	for {
		err := c.client.RPopLPush(ctx, c.processingKey, c.queueKey).Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, relayerrors.NewQueueError(relayerrors.QueueErrDeclare, "failed to recover unsettled messages", err)
		}
		n++
	}
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

		for ctx.Err() == nil {
			if err := sem.Acquire(ctx); err != nil {
				return
			}

			raw, err := c.client.BRPopLPush(ctx, c.queueKey, c.processingKey, c.blockTimeout).Result()
			if err == redis.Nil {
				sem.Release()
				continue
			}
			if err != nil {
				sem.Release()
				if ctx.Err() == nil {
					c.fail(err)
				}
				return
			}

			msg, err := queue.DecodeMessage([]byte(raw))
			if err != nil {
				c.logger.WithError(err).Error("Dropping unreadable record")
				c.client.LRem(ctx, c.processingKey, 1, raw)
				sem.Release()
				continue
			}

			d := &delivery{consumer: c, msg: msg, raw: raw, settle: queue.NewSettlement(sem)}
			select {
			case out <- d:
			case <-ctx.Done():
				// never handed out; the record stays in the processing
				// list and is recovered on the next start
				sem.Release()
				return
			}
		}
	}()

	return out, nil
}

func (c *Consumer) fail(err error) {
	c.faultOnce.Do(func() {
		c.logger.WithError(err).Error("Redis connection lost")
		c.faults <- relayerrors.NewQueueError(relayerrors.QueueErrConnection, "redis connection lost", err)
	})
}

// Faults implements queue.Consumer.
func (c *Consumer) Faults() <-chan error {
	return c.faults
}

// Ping implements queue.Consumer.
func (c *Consumer) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return relayerrors.NewQueueError(relayerrors.QueueErrConnection, "redis ping failed", err)
	}
	return nil
}

// Close implements queue.Consumer. Unsettled records stay in the processing
// list.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.wg.Wait()
	return c.client.Close()
}

type delivery struct {
	consumer *Consumer
	msg      queue.Message
	raw      string
	settle   *queue.Settlement
}

func (d *delivery) ID() string   { return d.msg.ID }
func (d *delivery) Body() []byte { return d.msg.Body }
func (d *delivery) Attempt() int { return d.msg.Attempt }

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle.Settle(func() error {
		if err := d.consumer.client.LRem(ctx, d.consumer.processingKey, 1, d.raw).Err(); err != nil {
			return relayerrors.NewQueueError(relayerrors.QueueErrAck, "failed to ack message", err)
		}
		return nil
	})
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	return d.settle.Settle(func() error {
		if !requeue {
			if err := d.consumer.client.LRem(ctx, d.consumer.processingKey, 1, d.raw).Err(); err != nil {
				return relayerrors.NewQueueError(relayerrors.QueueErrAck, "failed to drop message", err)
			}
			return nil
		}

		next, err := d.msg.Redelivery().Encode()
		if err != nil {
			return err
		}
		keys := []string{d.consumer.processingKey, d.consumer.queueKey}
		if err := requeueScript.Run(ctx, d.consumer.client, keys, d.raw, next).Err(); err != nil {
			return relayerrors.NewQueueError(relayerrors.QueueErrAck, "failed to requeue message", err)
		}
		return nil
	})
}

var (
	_ queue.Publisher = (*Publisher)(nil)
	_ queue.Consumer  = (*Consumer)(nil)
)
