package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/model"
)

// SampleHandler receives each decoded telemetry sample.
type SampleHandler func(ctx context.Context, s model.TelemetrySample) error

// TelemetryConsumer reads meter telemetry from a durable queue.
type TelemetryConsumer struct {
	url    string
	queue  string
	handle SampleHandler
	now    func() time.Time
	logger *log.Entry
}

// NewTelemetryConsumer returns a consumer for queue on the broker at url.
func NewTelemetryConsumer(url, queue string, handle SampleHandler) *TelemetryConsumer {
	return &TelemetryConsumer{
		url:    url,
		queue:  queue,
		handle: handle,
		now:    time.Now,
		logger: log.WithFields(log.Fields{"component": "amqp", "queue": queue}),
	}
}

// Run connects to the broker, declares the queue (durable) and consumes
// until ctx is cancelled.  Dial failures back off exponentially up to 30s;
// a dropped connection is re-established.  Messages that cannot be
// decoded or handled are rejected without requeue.
func (c *TelemetryConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.WithError(err).Warnf("dial failed; retrying in %s", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WithError(err).Warn("consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *TelemetryConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.WithError(err).Warn("set QoS failed")
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.logger.Info("consuming telemetry")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handleMessage(ctx, d.Body); err != nil {
				c.logger.WithError(err).Warn("handle message failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *TelemetryConsumer) handleMessage(ctx context.Context, body []byte) error {
	var msg TelemetryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	s, err := msg.Sample(c.now())
	if err != nil {
		return err
	}
	return c.handle(ctx, s)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
