// Package bus adapts the broker to its AMQP message fabric.
//
// Four topic exchanges carry the traffic: commands in, copy-trade events and
// notifications out, and a dead-letter exchange for terminal failures. The
// Bus owns one connection and channel, declares the topology on every
// (re)connect, and supervises consumers: a dropped connection pauses
// consumption and triggers exponential reconnect until the attempt cap,
// after which Run returns and the process exits.
//
// Delivery is at-least-once. Handlers fail into a retry republish with
// exponential delay; messages that exhaust their retries are nacked without
// requeue, which dead-letters them via the queue's x-dead-letter-exchange.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/blok-hamster/copy-trader-service/internal/config"
)

// Message is one delivery as seen by handlers, decoupled from the AMQP
// types so handlers can be tested without a broker.
type Message struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	RetryCount    int
	CorrelationID string
	ReplyTo       string
}

// Handler consumes messages by capability: the first registered handler
// whose CanHandle returns true gets the message.
type Handler interface {
	CanHandle(msg Message) bool
	Handle(ctx context.Context, msg Message) error
}

// Publisher is the outbound slice of the bus, fake-able in tests.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Reply(ctx context.Context, replyTo, correlationID string, body any) error
}

// Bus owns the AMQP connection, topology, and consumer lifecycle.
type Bus struct {
	cfg    config.BusConfig
	names  Names
	logger *slog.Logger

	processingTimeout time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	// handlers are registered per queue before Run is called.
	handlers map[string][]Handler
}

// New creates a bus for the resolved topology names. Register handlers with
// Subscribe before calling Run.
func New(cfg config.BusConfig, names Names, processingTimeout time.Duration, logger *slog.Logger) *Bus {
	return &Bus{
		cfg:               cfg,
		names:             names,
		processingTimeout: processingTimeout,
		logger:            logger.With("component", "bus"),
		handlers:          make(map[string][]Handler),
	}
}

// Names returns the resolved topology naming.
func (b *Bus) Names() Names {
	return b.names
}

// Subscribe registers a capability handler for one queue. Must be called
// before Run.
func (b *Bus) Subscribe(queue string, h Handler) {
	b.handlers[queue] = append(b.handlers[queue], h)
}

// Run connects, declares topology, starts one consumer goroutine per
// subscribed queue, and supervises the connection until ctx is cancelled.
// Reconnects with exponential backoff (base 2^attempt, capped); after the
// configured attempt cap the error is returned and is process-terminal.
// The cap counts attempts within one outage: a session that reached a live
// connection resets the counter.
func (b *Bus) Run(ctx context.Context) error {
	attempt := 0
	for {
		served, err := b.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}

		attempt = nextAttempt(attempt, served)
		if attempt >= b.cfg.ReconnectAttempts {
			return fmt.Errorf("bus: giving up after %d reconnect attempts: %w", attempt, err)
		}

		delay := backoff(b.cfg.ReconnectBase, b.cfg.ReconnectMax, attempt-1)
		b.logger.Warn("bus connection lost, reconnecting",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// nextAttempt advances the outage counter: one more failure in the current
// outage, or back to the first attempt after a session that served.
func nextAttempt(attempt int, served bool) int {
	if served {
		return 1
	}
	return attempt + 1
}

// connectAndServe holds the connection until it drops or ctx ends. served
// reports whether a live connection was established, regardless of how the
// session ended.
func (b *Bus) connectAndServe(ctx context.Context) (served bool, err error) {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return false, fmt.Errorf("set prefetch: %w", err)
	}
	if err := declareTopology(ch, b.names); err != nil {
		conn.Close()
		return false, fmt.Errorf("declare topology: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.mu.Unlock()

	b.logger.Info("bus connected", "prefetch", b.cfg.Prefetch)

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for queue, handlers := range b.handlers {
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			conn.Close()
			return true, fmt.Errorf("consume %s: %w", queue, err)
		}
		wg.Add(1)
		go func(queue string, handlers []Handler, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			b.consumeLoop(consumeCtx, queue, handlers, deliveries)
		}(queue, handlers, deliveries)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-ctx.Done():
		conn.Close()
		wg.Wait()
		return true, nil
	case amqpErr := <-closed:
		cancel()
		wg.Wait()
		if amqpErr == nil {
			return true, fmt.Errorf("connection closed")
		}
		return true, fmt.Errorf("connection closed: %w", amqpErr)
	}
}

// Publish marshals body to JSON and publishes it persistently.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.publishRaw(ctx, exchange, routingKey, data, amqp.Table{}, "", "")
}

// Reply posts an RPC response to the caller-supplied reply queue via the
// default exchange, tagged with the request's correlationId.
func (b *Bus) Reply(ctx context.Context, replyTo, correlationID string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return b.publishRaw(ctx, "", replyTo, data, nil, correlationID, "")
}

func (b *Bus) publishRaw(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table, correlationID, replyTo string) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("bus: not connected")
	}

	err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Body:          body,
		Headers:       headers,
		CorrelationId: correlationID,
		ReplyTo:       replyTo,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// Close tears down the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// backoff computes base × 2^attempt, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
