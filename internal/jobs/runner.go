package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/slotmarket/slot-engine/internal/metrics"
	"github.com/slotmarket/slot-engine/internal/model"
	"github.com/slotmarket/slot-engine/internal/notify"
	"github.com/slotmarket/slot-engine/internal/store"
)

type Store interface {
	ListExpiredSlots(ctx context.Context, now time.Time, limit int) ([]model.Slot, error)
	ExpireSlot(ctx context.Context, in store.ExpireInput) (bool, error)
	PurgeTickets(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	SweepInterval   time.Duration
	BatchSize       int
	CoolDown        time.Duration
	TicketRetention time.Duration
	Now             func() time.Time
}

// SweepResult counts the transitions one sweep applied. Lost races are
// counted separately and change nothing.
type SweepResult struct {
	ReservationsExpired int
	SubscriptionsEnded  int
	CoolDownsFinished   int
	LostRaces           int
	NotifyFailures      int
}

func (r SweepResult) Transitions() int {
	return r.ReservationsExpired + r.SubscriptionsEnded + r.CoolDownsFinished
}

type Runner struct {
	store    Store
	notifier notify.Notifier
	opts     Options
}

func NewRunner(store Store, notifier notify.Notifier, opts Options) *Runner {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.TicketRetention <= 0 {
		opts.TicketRetention = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Runner{store: store, notifier: notifier, opts: opts}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "slot_expiry_sweep", r.opts.SweepInterval, func(c context.Context) error {
		_, err := r.SweepOnce(c)
		return err
	})
	go r.runEvery(ctx, "ticket_retention_cleanup", 5*time.Minute, r.PurgeTickets)
}

// SweepOnce reclaims every slot whose deadline has passed, batch by batch,
// until a batch comes back short or makes no progress.
func (r *Runner) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	for {
		now := r.opts.Now()
		batch, err := r.store.ListExpiredSlots(ctx, now, r.opts.BatchSize)
		if err != nil {
			return res, fmt.Errorf("list expired slots: %w", err)
		}
		before := res.Transitions()
		for _, slot := range batch {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := r.expire(ctx, slot, now, &res); err != nil {
				return res, err
			}
		}
		if len(batch) < r.opts.BatchSize || res.Transitions() == before {
			return res, nil
		}
	}
}

func (r *Runner) expire(ctx context.Context, slot model.Slot, now time.Time, res *SweepResult) error {
	in := store.ExpireInput{SlotID: slot.ID, From: slot.Status(), To: model.SlotFree, Now: now}
	var event *model.SlotEvent

	switch st := slot.State.(type) {
	case model.Free:
		return nil
	case model.Reserved:
		in.TicketID = st.TicketID
		event = &model.SlotEvent{
			Type:       model.EventReservationExpired,
			CustomerID: st.Holder,
			TicketID:   st.TicketID,
		}
	case model.Occupied:
		if r.opts.CoolDown > 0 {
			until := now.Add(r.opts.CoolDown)
			in.To = model.SlotCoolingDown
			in.Until = &until
		}
		event = &model.SlotEvent{
			Type:       model.EventSubscriptionEnded,
			CustomerID: st.Holder,
			TicketID:   st.TicketID,
		}
	case model.CoolingDown:
	default:
		return fmt.Errorf("slot %s: unhandled state %T", slot.ID, slot.State)
	}

	applied, err := r.store.ExpireSlot(ctx, in)
	if err != nil {
		return fmt.Errorf("expire slot %s: %w", slot.ID, err)
	}
	if !applied {
		res.LostRaces++
		return nil
	}
	metrics.Default().IncCounter("slots_sweeper_transitions_total", map[string]string{"from": string(in.From), "to": string(in.To)})
	log.Printf("event=slot_swept slot_id=%s account_id=%s from=%s to=%s", slot.ID, slot.AccountID, in.From, in.To)

	switch in.From {
	case model.SlotReserved:
		res.ReservationsExpired++
	case model.SlotOccupied:
		res.SubscriptionsEnded++
	case model.SlotCoolingDown:
		res.CoolDownsFinished++
	}

	if event == nil {
		return nil
	}
	event.SlotID = slot.ID
	event.AccountID = slot.AccountID
	event.ServiceKind = slot.ServiceKind
	event.OccurredAt = now
	if err := r.notifier.Publish(ctx, *event); err != nil {
		res.NotifyFailures++
		log.Printf("level=error event=slot_notification_failed slot_id=%s type=%s err=%q", slot.ID, event.Type, err.Error())
	}
	return nil
}

// PurgeTickets deletes closed tickets older than the retention window.
func (r *Runner) PurgeTickets(ctx context.Context) error {
	cutoff := r.opts.Now().Add(-r.opts.TicketRetention)
	n, err := r.store.PurgeTickets(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("event=tickets_purged count=%d cutoff=%s", n, cutoff.Format(time.RFC3339))
	}
	return nil
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMs), err.Error())
		labels["status"] = "error"
		metrics.Default().IncCounter("slots_job_runs_total", labels)
		metrics.Default().ObserveHistogram("slots_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	log.Printf("metric=job_run name=%s status=ok duration_ms=%d", name, int64(durMs))
	labels["status"] = "ok"
	metrics.Default().IncCounter("slots_job_runs_total", labels)
	metrics.Default().ObserveHistogram("slots_job_duration_ms", durMs, map[string]string{"job": name})
}
