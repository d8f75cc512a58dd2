package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/blok-hamster/copy-trader-service/internal/config"
)

// Routing keys and binding patterns.
const (
	KeyTradeDetected      = "kol.trade.detected"
	KeyCopyTradeRequest   = "copy.trade.request"
	KeyCopyTradeCompleted = "copy.trade.completed"
	KeyClientNotification = "client.notification"
	KeyServiceStatus      = "service.status"
	KeyDeadLetter         = "failed"

	patternSubscription = "subscription.*"
	patternKOL          = "kol.*"
	patternService      = "service.*"
	patternAll          = "#"
)

// retryCountHeader carries the redelivery attempt count across republishes.
const retryCountHeader = "x-retry-count"

// messageTTL is applied to every non-DLQ queue (1 hour, in ms).
const messageTTL = 3_600_000

// Names is the resolved exchange and queue naming for one deployment.
// Outside production every name carries an "{environment}_" prefix.
type Names struct {
	CommandsExchange      string
	EventsExchange        string
	NotificationsExchange string
	DeadLetterExchange    string

	SubscriptionCommands string
	KOLManagement        string
	ServiceCommands      string

	TradeDetected      string
	CopyTradeRequests  string
	CopyTradeCompleted string

	ClientNotifications string
	ServiceStatus       string

	DeadLetter string
	RPC        string
}

// BuildNames resolves topology names from config plus the environment prefix.
func BuildNames(cfg config.BusConfig, environment string, production bool) Names {
	prefix := ""
	if !production {
		prefix = environment + "_"
	}
	return Names{
		CommandsExchange:      prefix + cfg.CommandsExchange,
		EventsExchange:        prefix + cfg.EventsExchange,
		NotificationsExchange: prefix + cfg.NotificationsExchange,
		DeadLetterExchange:    prefix + cfg.DeadLetterExchange,

		SubscriptionCommands: prefix + "subscription_commands",
		KOLManagement:        prefix + "kol_management",
		ServiceCommands:      prefix + "service_commands",

		TradeDetected:      prefix + "kol_trade_detected",
		CopyTradeRequests:  prefix + "copy_trade_requests",
		CopyTradeCompleted: prefix + "copy_trade_completed",

		ClientNotifications: prefix + "client_notifications",
		ServiceStatus:       prefix + "service_status",

		DeadLetter: prefix + "dead_letter",
		RPC:        prefix + cfg.RPCQueue,
	}
}

// binding is one queue→exchange binding in the declared topology.
type binding struct {
	queue    string
	exchange string
	pattern  string
	durable  bool
}

func (n Names) bindings() []binding {
	return []binding{
		{n.SubscriptionCommands, n.CommandsExchange, patternSubscription, true},
		{n.KOLManagement, n.CommandsExchange, patternKOL, true},
		{n.ServiceCommands, n.CommandsExchange, patternService, true},

		{n.TradeDetected, n.EventsExchange, KeyTradeDetected, true},
		{n.CopyTradeRequests, n.EventsExchange, KeyCopyTradeRequest, true},
		{n.CopyTradeCompleted, n.EventsExchange, KeyCopyTradeCompleted, true},

		{n.ClientNotifications, n.NotificationsExchange, KeyClientNotification, true},
		{n.ServiceStatus, n.NotificationsExchange, KeyServiceStatus, true},
	}
}

// declareTopology declares the four topic exchanges, every durable queue
// with dead-letter routing and message TTL, the catch-all DLQ binding, and
// the non-durable RPC queue. Safe to call on every (re)connect.
func declareTopology(ch *amqp.Channel, n Names) error {
	for _, exchange := range []string{
		n.CommandsExchange,
		n.EventsExchange,
		n.NotificationsExchange,
		n.DeadLetterExchange,
	} {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	queueArgs := amqp.Table{
		"x-dead-letter-exchange":    n.DeadLetterExchange,
		"x-dead-letter-routing-key": KeyDeadLetter,
		"x-message-ttl":             int32(messageTTL),
	}

	for _, b := range n.bindings() {
		if _, err := ch.QueueDeclare(b.queue, b.durable, false, false, false, queueArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.pattern, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s (%s): %w", b.queue, b.exchange, b.pattern, err)
		}
	}

	// DLQ: durable, no dead-letter args of its own, catch-all binding.
	if _, err := ch.QueueDeclare(n.DeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", n.DeadLetter, err)
	}
	if err := ch.QueueBind(n.DeadLetter, patternAll, n.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}

	// RPC request queue: non-durable.
	if _, err := ch.QueueDeclare(n.RPC, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare rpc queue %s: %w", n.RPC, err)
	}

	return nil
}
