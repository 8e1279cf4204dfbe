package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/slotmarket/slot-engine/internal/model"
)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(url string) (amqpConnection, error)

type brokerConn struct {
	*amqp.Connection
}

func (c brokerConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialBroker(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return brokerConn{conn}, nil
}

// AMQPNotifier publishes slot events as persistent JSON messages to a durable
// queue on the default exchange. The connection is opened lazily and
// re-opened after the broker drops it.
type AMQPNotifier struct {
	url   string
	queue string
	dial  dialFunc
	now   func() time.Time

	mu   sync.Mutex
	conn amqpConnection
	ch   amqpChannel
}

func NewAMQPNotifier(url, queue string) *AMQPNotifier {
	return &AMQPNotifier{
		url:   url,
		queue: queue,
		dial:  dialBroker,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (n *AMQPNotifier) Publish(ctx context.Context, e model.SlotEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal slot event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	ch, err := n.channelLocked()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.now(),
		Type:         string(e.Type),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", n.queue, false, false, msg); err != nil {
		log.Printf("level=error event=amqp_publish_failed queue=%s err=%q", n.queue, err.Error())
		n.resetLocked()
		return fmt.Errorf("publish slot event: %w", err)
	}
	return nil
}

func (n *AMQPNotifier) channelLocked() (amqpChannel, error) {
	if n.ch != nil && !n.ch.IsClosed() && n.conn != nil && !n.conn.IsClosed() {
		return n.ch, nil
	}
	n.resetLocked()

	conn, err := n.dial(n.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", n.queue, err)
	}
	n.conn, n.ch = conn, ch
	return ch, nil
}

func (n *AMQPNotifier) resetLocked() {
	if n.ch != nil {
		_ = n.ch.Close()
		n.ch = nil
	}
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLocked()
	return nil
}
