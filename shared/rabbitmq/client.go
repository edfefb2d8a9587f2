package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned when an operation is attempted before a connection exists
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrChannelBusy is returned when the channel lock cannot be acquired in time
	ErrChannelBusy = errors.New("timed out waiting for channel lock")
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host          string
	Port          int
	User          string
	Password      string
	VHost         string
	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
	DialTimeout   time.Duration
	LockTimeout   time.Duration
}

// Client wraps one AMQP connection and one channel. The channel is not safe
// for concurrent use, so every channel operation goes through a single lock.
// Acknowledgments acquire that lock with a timeout but are never cancelled
// once started: an unacked message after successful processing would be
// redelivered as a duplicate.
type Client struct {
	config    *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	closeChan chan *amqp.Error

	lock chan struct{} // capacity 1, guards channel use

	mu          sync.RWMutex
	isConnected bool
}

// NewClient creates a new RabbitMQ client and connects with retry
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
		lock:   make(chan struct{}, 1),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)
}

func (c *Client) amqpConfig() amqp.Config {
	cfg := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.DialTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(c.config.DialTimeout)
	}
	return cfg
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(c.dsn(), c.amqpConfig())
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	return c.openChannel()
}

// openChannel creates the shared channel on the current connection
func (c *Client) openChannel() error {
	channel, err := c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	c.channel = channel

	c.mu.Lock()
	c.closeChan = make(chan *amqp.Error, 1)
	c.conn.NotifyClose(c.closeChan)
	c.isConnected = true
	c.mu.Unlock()

	return nil
}

// Reconnect tears down the current connection and dials exactly once. A short
// dial timeout keeps callers like the health monitor responsive.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.acquire(c.lockTimeout()); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	conn, err := amqp.DialConfig(c.dsn(), c.amqpConfig())
	if err != nil {
		return fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
	}
	c.conn = conn

	if err := c.openChannel(); err != nil {
		return err
	}

	c.logger.Info("Reconnected to RabbitMQ")
	return nil
}

func (c *Client) lockTimeout() time.Duration {
	if c.config.LockTimeout > 0 {
		return c.config.LockTimeout
	}
	return 10 * time.Second
}

// acquire takes the channel lock, giving up after timeout
func (c *Client) acquire(timeout time.Duration) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return ErrChannelBusy
	}
}

func (c *Client) release() {
	<-c.lock
}

// withChannel runs fn while holding the channel lock
func (c *Client) withChannel(fn func(ch *amqp.Channel) error) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.acquire(c.lockTimeout()); err != nil {
		return err
	}
	defer c.release()
	return fn(c.channel)
}

// DeclareExchange declares a durable exchange of the given kind
func (c *Client) DeclareExchange(name, kind string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
		return nil
	})
}

// DeclareQueue declares a durable queue, optionally with extra arguments such
// as dead-letter routing
func (c *Client) DeclareQueue(name string, args amqp.Table) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		return nil
	})
}

// BindQueue binds a queue to an exchange with a routing key
func (c *Client) BindQueue(queue, routingKey, exchange string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queue, err)
		}
		return nil
	})
}

// Qos caps the number of unacknowledged deliveries the broker will push
func (c *Client) Qos(prefetch int) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
		return nil
	})
}

// Publish publishes a message through the shared channel
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := c.withChannel(func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	})
	if err != nil {
		c.logger.Debug("Failed to publish message to RabbitMQ",
			slog.String("exchange", exchange),
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Ack acknowledges a delivery. Once the lock is held the call runs to
// completion regardless of caller cancellation.
func (c *Client) Ack(deliveryTag uint64) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		if err := ch.Ack(deliveryTag, false); err != nil {
			return fmt.Errorf("failed to ack delivery %d: %w", deliveryTag, err)
		}
		return nil
	})
}

// Reject negatively acknowledges a delivery. With requeue false the broker
// routes the message per the queue's dead-letter arguments.
func (c *Client) Reject(deliveryTag uint64, requeue bool) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		if err := ch.Nack(deliveryTag, false, requeue); err != nil {
			return fmt.Errorf("failed to nack delivery %d: %w", deliveryTag, err)
		}
		return nil
	})
}

// Consume starts consuming messages from the queue
func (c *Client) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	err := c.withChannel(func(ch *amqp.Channel) error {
		msgs, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to consume messages: %w", err)
		}
		deliveries = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
	)

	return deliveries, nil
}

// CancelConsumer stops delivery to the given consumer tag without closing the
// channel, letting in-flight messages still be acknowledged
func (c *Client) CancelConsumer(consumerTag string) error {
	return c.withChannel(func(ch *amqp.Channel) error {
		if err := ch.Cancel(consumerTag, false); err != nil {
			return fmt.Errorf("failed to cancel consumer %s: %w", consumerTag, err)
		}
		return nil
	})
}

// NotifyClose returns the close-notification channel of the current
// connection. Reconnecting replaces the channel, so callers take it again
// before each wait.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeChan
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
