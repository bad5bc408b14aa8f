package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type QueueName string

const (
	QueuePaymentStatus QueueName = "payment-status"
)

type Config struct {
	URL               string
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
}

// Queue maintains one RabbitMQ connection and re-dials it whenever the broker
// drops it. Publishers share the connection and open a channel per publish.
type Queue struct {
	config *Config
	conn   *amqp.Connection
	mu     sync.Mutex
	log    *slog.Logger
}

func New(config *Config) *Queue {
	return &Queue{
		config: config,
		log:    slog.With("component", "queue"),
	}
}

func (q *Queue) Start(ctx context.Context) error {
	q.log.Info("Starting the queue manager.")
	defer q.log.Info("Stopping the queue manager.")

	return q.reconnectLoop(ctx)
}

func (q *Queue) reconnectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.log.Debug("closing reconnect loop...")
			return ctx.Err()
		default:
		}

		q.log.Info("connecting to Rabbit MQ...")
		if err := q.connect(); err != nil {
			q.log.Error("connection to Rabbit MQ failed", "error", err)
			time.Sleep(q.config.ReconnectInterval)
			continue
		}

		q.log.Info("connected to Rabbit MQ...")

		connErrors := make(chan *amqp.Error, 1)
		q.conn.NotifyClose(connErrors)

		select {
		case <-ctx.Done():
			q.log.Debug("closing reconnect loop...")
			return ctx.Err()
		case err := <-connErrors:
			q.log.Error("rabbit mq connection closed", "error", err)
		}

		time.Sleep(q.config.ReconnectInterval)
	}
}

func (q *Queue) connect() error {
	conn, err := amqp.DialConfig(q.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(q.config.ConnectTimeout),
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.conn = conn
	q.mu.Unlock()

	return nil
}

// EnsureQueueExists declares the queue as durable so notifications survive a
// broker restart.
func (q *Queue) EnsureQueueExists(queueName QueueName) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("connection is not open yet")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("couldn't open channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		string(queueName),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("couldn't declare queue %q: %w", queueName, err)
	}

	return nil
}

func (q *Queue) Publish(queueName QueueName, message []byte) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("connection is not open yet")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("couldn't open channel: %w", err)
	}
	defer ch.Close()

	err = ch.Publish(
		"",                // exchange, empty means default (direct to queue)
		string(queueName), // routing key = queue name
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        message,
		},
	)
	if err != nil {
		q.log.Error("Failed to publish", "message", message, "error", err)
		return err
	}

	return nil
}
