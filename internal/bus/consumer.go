package bus

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// verdict is what the consumer does with a delivery after dispatch.
type verdict int

const (
	verdictAck verdict = iota
	verdictRetry
	verdictDeadLetter
)

// decide maps a handler outcome onto an acknowledgement action. matched is
// false when no handler claimed the message: those are acked with a warning
// to break poison-pill redelivery loops.
func decide(handlerErr error, matched bool, retryCount, maxRetries int) verdict {
	if !matched || handlerErr == nil {
		return verdictAck
	}
	if retryCount < maxRetries {
		return verdictRetry
	}
	return verdictDeadLetter
}

// consumeLoop drains one queue, dispatching each delivery to the first
// capable handler under the processing timeout.
func (b *Bus) consumeLoop(ctx context.Context, queue string, handlers []Handler, deliveries <-chan amqp.Delivery) {
	logger := b.logger.With("queue", queue)
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			b.handleDelivery(ctx, logger, handlers, delivery)
		}
	}
}

func (b *Bus) handleDelivery(ctx context.Context, logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}, handlers []Handler, delivery amqp.Delivery) {
	msg := Message{
		Exchange:      delivery.Exchange,
		RoutingKey:    delivery.RoutingKey,
		Body:          delivery.Body,
		RetryCount:    retryCountFrom(delivery.Headers),
		CorrelationID: delivery.CorrelationId,
		ReplyTo:       delivery.ReplyTo,
	}

	matched := false
	var handlerErr error
	for _, h := range handlers {
		if !h.CanHandle(msg) {
			continue
		}
		matched = true
		handlerCtx, cancel := context.WithTimeout(ctx, b.processingTimeout)
		handlerErr = h.Handle(handlerCtx, msg)
		cancel()
		break
	}

	switch decide(handlerErr, matched, msg.RetryCount, b.cfg.RetryAttempts) {
	case verdictAck:
		if !matched {
			logger.Warn("no handler matched, acking", "routing_key", msg.RoutingKey)
		}
		if err := delivery.Ack(false); err != nil {
			logger.Error("ack failed", "error", err)
		}

	case verdictRetry:
		delay := backoff(b.cfg.RetryBase, b.cfg.ReconnectMax, msg.RetryCount)
		logger.Warn("handler failed, scheduling retry",
			"routing_key", msg.RoutingKey,
			"retry", msg.RetryCount+1,
			"delay", delay,
			"error", handlerErr,
		)
		if err := b.republishAfter(ctx, msg, delay); err != nil {
			// The delivery is still unacked; requeue so the broker
			// redelivers instead of losing the message.
			logger.Error("retry republish failed, requeueing",
				"routing_key", msg.RoutingKey, "error", err)
			if err := delivery.Nack(false, true); err != nil {
				logger.Error("nack failed", "error", err)
			}
			return
		}
		if err := delivery.Ack(false); err != nil {
			logger.Error("ack failed", "error", err)
		}

	case verdictDeadLetter:
		logger.Error("handler exhausted retries, dead-lettering",
			"routing_key", msg.RoutingKey,
			"retries", msg.RetryCount,
			"error", handlerErr,
		)
		if err := delivery.Nack(false, false); err != nil {
			logger.Error("nack failed", "error", err)
		}
	}
}

// republishAfter waits out the backoff delay, then republishes the message
// to its original exchange and routing key with retryCount+1. The caller
// acks the original delivery only after the republish lands, so a crash or
// publish failure during the window redelivers rather than drops. The
// delay holds one prefetch slot, which the configured prefetch absorbs.
func (b *Bus) republishAfter(ctx context.Context, msg Message, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	headers := amqp.Table{retryCountHeader: int32(msg.RetryCount + 1)}
	return b.publishRaw(ctx, msg.Exchange, msg.RoutingKey, msg.Body, headers, msg.CorrelationID, msg.ReplyTo)
}

func retryCountFrom(headers amqp.Table) int {
	raw, ok := headers[retryCountHeader]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
