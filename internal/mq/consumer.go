package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessageHandler processes one message body
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer feeds queued reading submissions into a MessageHandler. Messages
// that fail are rejected without requeue and land in the dead-letter queue,
// except temporary failures, which are requeued after RetryDelay.
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	logger        *zap.Logger
	handler       MessageHandler
	temporary     func(error) bool
	retryDelay    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Exchange      string
	Queue         string
	DLQQueue      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
	// Temporary classifies handler errors worth retrying. Nil dead-letters
	// every failure.
	Temporary  func(error) bool
	RetryDelay time.Duration
}

// NewConsumer opens a channel and declares the ingest topology
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareIngestTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
		handler:       cfg.Handler,
		temporary:     cfg.Temporary,
		retryDelay:    cfg.RetryDelay,
	}, nil
}

func declareIngestTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// Rejected readings are routed to the DLQ through the default exchange
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Start begins consuming until ctx is cancelled or Stop is called
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx, msgs)
	}()
	return nil
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, stopping")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("message channel closed")
				return
			}
			c.handle(ctx, msg)
		}
	}
}

// handle runs the handler and settles the delivery
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	c.logger.Debug("received message",
		zap.String("queue", c.queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	if err := c.handler(ctx, msg.Body); err != nil {
		if c.temporary != nil && c.temporary(err) {
			c.requeueLater(ctx, msg, err)
			return
		}
		c.logger.Warn("message rejected to dead-letter queue",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
		)
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// requeueLater waits out the retry delay, or until ctx ends, then hands msg
// back to the broker
func (c *Consumer) requeueLater(ctx context.Context, msg amqp.Delivery, err error) {
	c.logger.Info("message deferred, requeueing",
		zap.Error(err),
		zap.Duration("delay", c.retryDelay),
	)

	if c.retryDelay > 0 {
		timer := time.NewTimer(c.retryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if nackErr := msg.Nack(false, true); nackErr != nil {
		c.logger.Error("failed to requeue message", zap.Error(nackErr))
	}
}

// Stop cancels consumption, waits for the in-flight message and closes the channel
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.channel.Close()
}

// RegisterLifecycle starts the consumer with the app and stops it on shutdown
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// The start context expires once startup completes
			return c.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			if err := c.Stop(); err != nil {
				c.logger.Error("failed to close consumer channel", zap.Error(err))
				return err
			}
			c.logger.Info("consumer stopped")
			return nil
		},
	})
}
