package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotmarket/slot-engine/internal/metrics"
	"github.com/slotmarket/slot-engine/internal/model"
)

type fakeChannel struct {
	declared   []string
	published  []amqp.Publishing
	keys       []string
	publishErr error
	closed     bool
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) IsClosed() bool { return c.closed }
func (c *fakeChannel) Close() error   { c.closed = true; return nil }

type fakeConn struct {
	ch     *fakeChannel
	closed bool
}

func (c *fakeConn) Channel() (amqpChannel, error) { return c.ch, nil }
func (c *fakeConn) IsClosed() bool                { return c.closed }
func (c *fakeConn) Close() error                  { c.closed = true; return nil }

func testEvent() model.SlotEvent {
	return model.SlotEvent{
		Type:        model.EventReservationExpired,
		SlotID:      "slt_1",
		AccountID:   "acc_1",
		ServiceKind: model.ServiceVideo,
		CustomerID:  "cus_1",
		TicketID:    "tkt_1",
		OccurredAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAMQPNotifierPublishesPersistentJSON(t *testing.T) {
	conn := &fakeConn{ch: &fakeChannel{}}
	dials := 0
	n := NewAMQPNotifier("amqp://test", "slot.events")
	n.dial = func(string) (amqpConnection, error) {
		dials++
		return conn, nil
	}

	require.NoError(t, n.Publish(context.Background(), testEvent()))
	require.NoError(t, n.Publish(context.Background(), testEvent()))

	assert.Equal(t, 1, dials, "connection is reused")
	assert.Equal(t, []string{"slot.events"}, conn.ch.declared)
	require.Len(t, conn.ch.published, 2)
	assert.Equal(t, []string{"slot.events", "slot.events"}, conn.ch.keys)

	msg := conn.ch.published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, string(model.EventReservationExpired), msg.Type)

	var got model.SlotEvent
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, testEvent(), got)
}

func TestAMQPNotifierReconnectsAfterFailure(t *testing.T) {
	broken := &fakeConn{ch: &fakeChannel{publishErr: amqp.ErrClosed}}
	healthy := &fakeConn{ch: &fakeChannel{}}
	conns := []*fakeConn{broken, healthy}
	n := NewAMQPNotifier("amqp://test", "slot.events")
	n.dial = func(string) (amqpConnection, error) {
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}

	err := n.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.True(t, broken.closed)
	assert.True(t, broken.ch.closed)

	require.NoError(t, n.Publish(context.Background(), testEvent()))
	assert.Len(t, healthy.ch.published, 1)
}

func TestAMQPNotifierDialError(t *testing.T) {
	n := NewAMQPNotifier("amqp://test", "slot.events")
	n.dial = func(string) (amqpConnection, error) {
		return nil, errors.New("connection refused")
	}
	err := n.Publish(context.Background(), testEvent())
	assert.ErrorContains(t, err, "dial broker")
}

type failingNotifier struct{}

func (failingNotifier) Publish(context.Context, model.SlotEvent) error {
	return errors.New("down")
}

func TestCountedRecordsOutcome(t *testing.T) {
	metrics.ResetDefaultForTest()

	require.NoError(t, Counted(LogNotifier{}, "log").Publish(context.Background(), testEvent()))
	require.Error(t, Counted(failingNotifier{}, "amqp").Publish(context.Background(), testEvent()))

	out := metrics.Default().Render()
	assert.Contains(t, out, `slots_notifications_total{provider="log",status="ok"} 1`)
	assert.Contains(t, out, `slots_notifications_total{provider="amqp",status="error"} 1`)
}
