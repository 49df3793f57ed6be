package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rabbitmq/amqp091-go"

	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/workflows"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// Submitter admits a source object for processing
type Submitter interface {
	Submit(ctx context.Context, req workflows.SubmitRequest) (*workflows.Submission, error)
}

// Config configures a Consumer
type Config struct {
	URL      string
	Queue    string
	Bucket   string // events for other buckets are ignored when set
	Prefix   string // only keys under the source prefix are submitted
	Prefetch int
	Logger   *slog.Logger
}

// Consumer reads bucket notifications from an AMQP queue
type Consumer struct {
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	submitter Submitter
	config    Config
	logger    *slog.Logger
}

// outcome of one delivery
type outcome int

const (
	ack outcome = iota
	requeue
	drop
)

// NewConsumer connects to the broker and declares the queue
func NewConsumer(cfg Config, submitter Submitter) (*Consumer, error) {
	if cfg.Prefetch == 0 {
		cfg.Prefetch = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "trigger", "queue", cfg.Queue)

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare queue (idempotent operation)
	if _, err := channel.QueueDeclare(
		cfg.Queue, // queue name
		true,      // durable
		false,     // auto-delete
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	logger.Info("bucket-event consumer connected")
	return &Consumer{
		conn:      conn,
		channel:   channel,
		submitter: submitter,
		config:    cfg,
		logger:    logger,
	}, nil
}

// Run consumes deliveries until ctx is done or the channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(ctx,
		c.config.Queue, // queue
		"",             // consumer tag
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.settle(d, c.handle(ctx, d.Body))
		}
	}
}

func (c *Consumer) settle(d amqp091.Delivery, out outcome) {
	var err error
	switch out {
	case ack:
		err = d.Ack(false)
	case requeue:
		err = d.Nack(false, true)
	case drop:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

// handle submits every created object in a notification. A transient
// failure on any of them requeues the whole notification; submissions are
// idempotent so the replay is harmless.
func (c *Consumer) handle(ctx context.Context, body []byte) outcome {
	events, err := ParseEvent(body)
	if err != nil {
		c.logger.Warn("dropping malformed notification", "error", err)
		return drop
	}

	result := ack
	for _, ev := range events {
		if !c.wanted(ev) {
			c.logger.Debug("ignoring event", "event", ev.Name, "bucket", ev.Bucket, "key", ev.Key)
			continue
		}
		sub, err := c.submitter.Submit(ctx, workflows.SubmitRequest{
			Identifier: ev.Key,
			Kind:       resolver.KindFilename,
		})
		switch {
		case err == nil:
			c.logger.Info("object submitted", "key", ev.Key, "record_id", sub.RecordID, "decision", sub.Decision)
		case pipeline.KindOf(err) == pipeline.KindDuplicateInFlight:
			// the newer version is picked up by the next sweep
			winner := ""
			if sub != nil {
				winner = sub.WinnerID
			}
			c.logger.Warn("object written while a run is in flight, not resubmitted",
				"key", ev.Key, "winner_id", winner, "event_time", ev.EventTime)
		case retryable(err):
			c.logger.Warn("submission failed, requeueing", "key", ev.Key, "error", err)
			result = requeue
		default:
			c.logger.Info("object not submitted", "key", ev.Key, "error", err)
		}
	}
	return result
}

func (c *Consumer) wanted(ev ObjectEvent) bool {
	if !ev.Created() || strings.HasSuffix(ev.Key, "/") {
		return false
	}
	if c.config.Bucket != "" && ev.Bucket != c.config.Bucket {
		return false
	}
	return strings.HasPrefix(ev.Key, c.config.Prefix)
}

func retryable(err error) bool {
	switch pipeline.KindOf(err) {
	case pipeline.KindServiceUnavailable:
		return true
	case "":
		return !errors.Is(err, context.Canceled)
	}
	return false
}

// Close closes the channel and the connection
func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
