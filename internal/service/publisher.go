// Package service holds outbound integrations used by handlers and the
// reminder sweeper.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/queue"
)

// Publisher sends persistent JSON messages to durable queues over a single
// broker connection.  The connection is opened on first use and re-opened
// on the next publish after any failure.
type Publisher struct {
	url    string
	logger *zap.Logger
	dial   func(url string) (*amqp.Connection, error)

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// NewPublisher does not connect; the first Publish does.
func NewPublisher(url string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{url: url, logger: logger, dial: amqp.Dial, declared: map[string]bool{}}
}

// PublishPatientRegistered publishes to queue.QueuePatientRegistered.
func (p *Publisher) PublishPatientRegistered(ctx context.Context, ev queue.PatientRegisteredEvent) error {
	return p.Publish(ctx, queue.QueuePatientRegistered, ev)
}

// PublishReminderDue publishes to queue.QueueCareReminders.
func (p *Publisher) PublishReminderDue(ctx context.Context, ev queue.ReminderDueEvent) error {
	return p.Publish(ctx, queue.QueueCareReminders, ev)
}

// Publish marshals v and sends it to the named queue.
func (p *Publisher) Publish(ctx context.Context, name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(name)
	if err != nil {
		p.logger.Warn("rabbitmq unavailable", zap.String("queue", name), zap.Error(err))
		return err
	}
	err = ch.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("rabbitmq publish failed", zap.String("queue", name), zap.Error(err))
		p.reset()
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}

// channel returns an open channel with name declared.  Callers hold p.mu.
func (p *Publisher) channel(name string) (*amqp.Channel, error) {
	if p.ch == nil || p.ch.IsClosed() || p.conn == nil || p.conn.IsClosed() {
		p.reset()
		conn, err := p.dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
		p.conn, p.ch = conn, ch
	}
	if !p.declared[name] {
		if _, err := p.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			p.reset()
			return nil, fmt.Errorf("declare %s: %w", name, err)
		}
		p.declared[name] = true
	}
	return p.ch, nil
}

// reset drops the current connection.  Callers hold p.mu.
func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
	p.declared = map[string]bool{}
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
