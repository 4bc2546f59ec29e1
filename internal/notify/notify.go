package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Milestone names published during a build.
const (
	MilestoneRepoCreated = "repo_created"
	MilestoneCommitted   = "committed"
	MilestoneDeployed    = "deployed"
	MilestoneFailed      = "failed"
)

// Event is one platform notification.
type Event struct {
	Milestone     string    `json:"milestone"`
	ApplicationID string    `json:"applicationId"`
	TraceID       string    `json:"traceId"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

// Notifier fans platform notifications out to interested services. Publishing
// is best effort: a broker outage never fails a build.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// NopNotifier drops all events. Used in development and tests.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}

// AMQPNotifier publishes milestones to a fanout exchange.
type AMQPNotifier struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPNotifier connects lazily: the first publish dials the broker.
func NewAMQPNotifier(url, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = "appforge.notifications"
	}
	return &AMQPNotifier{url: url, exchange: exchange}
}

func (n *AMQPNotifier) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notification encode failed", "milestone", ev.Milestone, "err", err)
		return
	}
	ch, err := n.ensureChannel()
	if err != nil {
		slog.Warn("notification broker unavailable", "milestone", ev.Milestone, "err", err)
		return
	}
	err = ch.PublishWithContext(ctx, n.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.At,
		Body:        body,
	})
	if err != nil {
		slog.Warn("notification publish failed", "milestone", ev.Milestone, "err", err)
		n.reset()
	}
}

func (n *AMQPNotifier) ensureChannel() (*amqp.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		return n.channel, nil
	}
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(n.exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	n.conn = conn
	n.channel = ch
	return ch, nil
}

func (n *AMQPNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		n.channel.Close()
		n.channel = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// Close releases the broker connection.
func (n *AMQPNotifier) Close() {
	n.reset()
}
