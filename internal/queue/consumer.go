package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	prefetch   = 50
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// requeueDelay paces redelivery of messages whose handler failed
// transiently; RabbitMQ hands a requeued message straight back.
const requeueDelay = time.Second

// ErrPermanent marks a handler error that no retry can fix, such as a body
// that does not decode.  Handlers wrap it with fmt.Errorf("%w: ...").
var ErrPermanent = errors.New("permanent failure")

// HandlerFunc processes one message body.  An error wrapping ErrPermanent
// nacks the message without requeueing it; any other error requeues it.
type HandlerFunc func(ctx context.Context, body []byte) error

// StartReminderConsumer consumes QueueCareReminders until ctx is done.
func StartReminderConsumer(ctx context.Context, url string, handle HandlerFunc, logger *zap.Logger) {
	Consume(ctx, url, QueueCareReminders, handle, logger)
}

// Consume declares queue (durable) and feeds its deliveries to handle.  It
// re-dials with exponential backoff whenever the broker is unreachable or
// the connection drops, and returns only once ctx is done.
func Consume(ctx context.Context, url, queue string, handle HandlerFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("queue", queue))

	backoff := minBackoff
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("dial broker failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		err = consumeLoop(ctx, conn, queue, handle, logger)
		_ = conn.Close()
		if ctx.Err() != nil {
			logger.Info("consumer stopped")
			return
		}
		logger.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, queue string, handle HandlerFunc, logger *zap.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		logger.Warn("set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	logger.Info("consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			deliver(ctx, d, handle, logger)
		}
	}
}

// deliver runs handle and acknowledges d accordingly.
func deliver(ctx context.Context, d amqp.Delivery, handle HandlerFunc, logger *zap.Logger) {
	err := handle(ctx, d.Body)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			logger.Warn("ack failed", zap.Error(err))
		}
		return
	case errors.Is(err, ErrPermanent):
		logger.Error("dropping message", zap.Error(err), zap.Uint64("delivery_tag", d.DeliveryTag))
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Warn("nack failed", zap.Error(nackErr))
		}
		return
	}

	logger.Warn("handle message failed, requeueing", zap.Error(err),
		zap.Uint64("delivery_tag", d.DeliveryTag), zap.Bool("redelivered", d.Redelivered))
	sleep(ctx, requeueDelay)
	if nackErr := d.Nack(false, true); nackErr != nil {
		logger.Warn("nack failed", zap.Error(nackErr))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleep waits for d and reports false when ctx ended first.
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
