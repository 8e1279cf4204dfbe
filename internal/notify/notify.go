package notify

import (
	"context"
	"log"

	"github.com/slotmarket/slot-engine/internal/metrics"
	"github.com/slotmarket/slot-engine/internal/model"
)

// Notifier tells customers that a slot moved out from under them. Delivery
// is best effort; a failure never undoes the transition it reports.
type Notifier interface {
	Publish(ctx context.Context, event model.SlotEvent) error
}

type LogNotifier struct{}

func (LogNotifier) Publish(_ context.Context, e model.SlotEvent) error {
	log.Printf("event=slot_notification type=%s slot_id=%s account_id=%s customer_id=%s kind=%s ticket_id=%s", e.Type, e.SlotID, e.AccountID, e.CustomerID, e.ServiceKind, e.TicketID)
	return nil
}

type counted struct {
	next     Notifier
	provider string
}

// Counted records every publish in slots_notifications_total under provider.
func Counted(next Notifier, provider string) Notifier {
	return &counted{next: next, provider: provider}
}

func (c *counted) Publish(ctx context.Context, e model.SlotEvent) error {
	err := c.next.Publish(ctx, e)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("slots_notifications_total", map[string]string{"provider": c.provider, "status": status})
	return err
}
