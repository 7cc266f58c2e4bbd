package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/model"
)

// Publisher sends command and incident messages to durable queues.  The
// connection is opened lazily and re-opened after a failure.
type Publisher struct {
	url           string
	commandQueue  string
	incidentQueue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher returns a Publisher.  Nothing is dialled until the first
// publish.
func NewPublisher(url, commandQueue, incidentQueue string) *Publisher {
	return &Publisher{url: url, commandQueue: commandQueue, incidentQueue: incidentQueue}
}

// PublishCommand announces a newly enqueued control command.
func (p *Publisher) PublishCommand(ctx context.Context, cmd model.ControlCommand) error {
	return p.publish(ctx, p.commandQueue, commandIssued(cmd))
}

// PublishIncident announces an unauthorised attempt.
func (p *Publisher) PublishIncident(ctx context.Context, a model.UnauthorizedAttempt) error {
	return p.publish(ctx, p.incidentQueue, incidentRaised(a))
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

func (p *Publisher) publish(ctx context.Context, queue string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	// Durable so messages survive broker restarts; declaring is idempotent.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = p.resetLocked()
		return fmt.Errorf("queue declare %s: %w", queue, err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		_ = p.resetLocked()
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

func (p *Publisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	_ = p.resetLocked()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	p.conn, p.ch = conn, ch
	log.WithField("component", "amqp").Info("publisher connected")
	return ch, nil
}

func (p *Publisher) resetLocked() error {
	var err error
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	return err
}
