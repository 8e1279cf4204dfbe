package allocator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slotmarket/slot-engine/internal/metrics"
	"github.com/slotmarket/slot-engine/internal/model"
	"github.com/slotmarket/slot-engine/internal/store"
)

// Ledger is the slot ledger. Every state change it performs is a conditional
// update that either applies or reports model.ErrStorageConflict.
type Ledger interface {
	HasActiveHold(ctx context.Context, customerID string, kind model.ServiceKind) (bool, error)
	ReserveSlot(ctx context.Context, in store.ReserveInput) (*model.ReservationTicket, error)
	GetTicket(ctx context.Context, ticketID string) (*model.ReservationTicket, error)
	ConfirmReservation(ctx context.Context, in store.ConfirmInput) (*model.Slot, error)
	ReleaseReservation(ctx context.Context, in store.ReleaseInput) (bool, error)
	ExtendOccupancy(ctx context.Context, in store.ExtendInput) (*model.Slot, error)
}

type CandidateSource interface {
	Candidates(ctx context.Context, kind model.ServiceKind) (iter.Seq[model.AccountCapacity], error)
}

type Options struct {
	HoldTTL    time.Duration
	PaidPeriod time.Duration
	// CoolDown parks released slots before they return to free. Zero
	// disables it.
	CoolDown time.Duration
	Now      func() time.Time
}

func DefaultOptions() Options {
	return Options{
		HoldTTL:    15 * time.Minute,
		PaidPeriod: 30 * 24 * time.Hour,
	}
}

type Allocator struct {
	ledger     Ledger
	candidates CandidateSource
	opts       Options
}

func New(ledger Ledger, candidates CandidateSource, opts Options) *Allocator {
	def := DefaultOptions()
	if opts.HoldTTL <= 0 {
		opts.HoldTTL = def.HoldTTL
	}
	if opts.PaidPeriod <= 0 {
		opts.PaidPeriod = def.PaidPeriod
	}
	if opts.CoolDown < 0 {
		opts.CoolDown = 0
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Allocator{ledger: ledger, candidates: candidates, opts: opts}
}

// ReserveSlot holds one free slot of kind for the customer. It walks the
// candidate accounts fullest first and retries on lost races. The number of
// attempts is bounded by the free slots seen in the candidate snapshot, so
// every failed attempt corresponds to a slot another caller took.
func (a *Allocator) ReserveSlot(ctx context.Context, customerID string, kind model.ServiceKind) (*model.ReservationTicket, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, model.ErrInvalidCustomer
	}
	if _, err := model.ParseServiceKind(string(kind)); err != nil {
		return nil, err
	}

	held, err := a.ledger.HasActiveHold(ctx, customerID, kind)
	if err != nil {
		a.recordReserve(kind, "error", 0)
		return nil, fmt.Errorf("check active hold: %w", err)
	}
	if held {
		a.recordReserve(kind, "duplicate_hold", 0)
		return nil, model.ErrDuplicateHold
	}

	seq, err := a.candidates.Candidates(ctx, kind)
	if err != nil {
		a.recordReserve(kind, "error", 0)
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	attempts := 0
	for c := range seq {
		for i := 0; i < c.Free; i++ {
			if err := ctx.Err(); err != nil {
				a.recordReserve(kind, "error", attempts)
				return nil, err
			}
			attempts++
			now := a.opts.Now()
			ticket, err := a.ledger.ReserveSlot(ctx, store.ReserveInput{
				AccountID:  c.AccountID,
				CustomerID: customerID,
				TicketID:   "tkt_" + uuid.NewString(),
				Now:        now,
				ExpiresAt:  now.Add(a.opts.HoldTTL),
			})
			switch {
			case err == nil:
				a.recordReserve(kind, "reserved", attempts)
				log.Printf("event=slot_reserved ticket_id=%s slot_id=%s account_id=%s customer_id=%s kind=%s attempts=%d", ticket.ID, ticket.SlotID, ticket.AccountID, customerID, kind, attempts)
				return ticket, nil
			case errors.Is(err, model.ErrStorageConflict):
				continue
			case errors.Is(err, model.ErrDuplicateHold):
				a.recordReserve(kind, "duplicate_hold", attempts)
				return nil, model.ErrDuplicateHold
			default:
				a.recordReserve(kind, "error", attempts)
				log.Printf("level=error event=slot_reserve_failed customer_id=%s kind=%s err=%q", customerID, kind, err.Error())
				return nil, err
			}
		}
	}

	a.recordReserve(kind, "sold_out", attempts)
	log.Printf("level=info event=sold_out customer_id=%s kind=%s attempts=%d", customerID, kind, attempts)
	return nil, model.ErrNoCapacityAvailable
}

// ConfirmReservation turns a paid hold into an occupancy for one paid period.
func (a *Allocator) ConfirmReservation(ctx context.Context, ticketID string) (*model.Slot, error) {
	now := a.opts.Now()
	slot, err := a.ledger.ConfirmReservation(ctx, store.ConfirmInput{
		TicketID:  ticketID,
		Now:       now,
		PaidUntil: now.Add(a.opts.PaidPeriod),
	})
	if err != nil {
		metrics.Default().IncCounter("slots_confirmations_total", map[string]string{"outcome": errorOutcome(err)})
		return nil, err
	}
	metrics.Default().IncCounter("slots_confirmations_total", map[string]string{"outcome": "occupied"})
	log.Printf("event=slot_occupied ticket_id=%s slot_id=%s account_id=%s", ticketID, slot.ID, slot.AccountID)
	return slot, nil
}

// ReleaseReservation abandons an unpaid hold. It reports whether a slot
// changed state; releasing a consumed or already released ticket is a no-op.
func (a *Allocator) ReleaseReservation(ctx context.Context, ticketID string) (bool, error) {
	now := a.opts.Now()
	in := store.ReleaseInput{TicketID: ticketID, Now: now}
	if a.opts.CoolDown > 0 {
		until := now.Add(a.opts.CoolDown)
		in.CoolDownUntil = &until
	}
	released, err := a.ledger.ReleaseReservation(ctx, in)
	if err != nil {
		metrics.Default().IncCounter("slots_releases_total", map[string]string{"outcome": errorOutcome(err)})
		return false, err
	}
	outcome := "noop"
	if released {
		outcome = "released"
		log.Printf("event=slot_released ticket_id=%s", ticketID)
	}
	metrics.Default().IncCounter("slots_releases_total", map[string]string{"outcome": outcome})
	return released, nil
}

// CancelReservation releases a hold on behalf of the customer who owns it.
// Tickets owned by someone else are reported as not found.
func (a *Allocator) CancelReservation(ctx context.Context, customerID, ticketID string) (bool, error) {
	t, err := a.ledger.GetTicket(ctx, ticketID)
	if err != nil {
		return false, err
	}
	if t.CustomerID != customerID {
		return false, model.ErrTicketNotFound
	}
	return a.ReleaseReservation(ctx, ticketID)
}

// RenewSubscription extends an occupied slot by one paid period from the
// later of its current end and now.
func (a *Allocator) RenewSubscription(ctx context.Context, slotID, customerID string) (*model.Slot, error) {
	slot, err := a.ledger.ExtendOccupancy(ctx, store.ExtendInput{
		SlotID:     slotID,
		CustomerID: customerID,
		Now:        a.opts.Now(),
		Period:     a.opts.PaidPeriod,
	})
	if err != nil {
		return nil, err
	}
	until, _ := slot.ExpiresAt()
	log.Printf("event=subscription_renewed slot_id=%s customer_id=%s until=%s", slotID, customerID, until.Format(time.RFC3339))
	return slot, nil
}

func (a *Allocator) recordReserve(kind model.ServiceKind, outcome string, attempts int) {
	metrics.Default().IncCounter("slots_reservations_total", map[string]string{"kind": string(kind), "outcome": outcome})
	if attempts > 0 {
		metrics.Default().ObserveHistogram("slots_reserve_attempts", float64(attempts), map[string]string{"kind": string(kind)})
	}
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, model.ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, model.ErrTicketExpired):
		return "expired"
	case errors.Is(err, model.ErrTicketAlreadyConsumed):
		return "already_consumed"
	default:
		return "error"
	}
}
