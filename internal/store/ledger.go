package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/slotmarket/slot-engine/internal/model"
)

type ReserveInput struct {
	AccountID  string
	CustomerID string
	TicketID   string
	Now        time.Time
	ExpiresAt  time.Time
}

type ConfirmInput struct {
	TicketID  string
	Now       time.Time
	PaidUntil time.Time
}

type ReleaseInput struct {
	TicketID string
	Now      time.Time
	// CoolDownUntil parks the slot in cooling_down instead of freeing it.
	CoolDownUntil *time.Time
}

type ExtendInput struct {
	SlotID     string
	CustomerID string
	Now        time.Time
	Period     time.Duration
}

type ExpireInput struct {
	SlotID   string
	From     model.SlotStatus
	To       model.SlotStatus
	TicketID string
	Now      time.Time
	Until    *time.Time
}

const slotColumns = `id, account_id, service_kind, slot_index, status, holder, ticket_id, reserved_at, occupied_at, expires_at`

const ticketColumns = `id, slot_id, account_id, customer_id, service_kind, created_at, expires_at, consumed_at, released_at`

func (s *Store) HasActiveHold(ctx context.Context, customerID string, kind model.ServiceKind) (bool, error) {
	const q = `
select exists (
  select 1 from slots
  where holder = $1 and service_kind = $2 and status in ('reserved', 'occupied')
)`
	var held bool
	if err := s.db.QueryRow(ctx, q, customerID, string(kind)).Scan(&held); err != nil {
		return false, err
	}
	return held, nil
}

// ReserveSlot moves the lowest-index free slot of the account to reserved and
// records the ticket. The update only matches a row whose status is still
// free, so of two concurrent callers at most one wins a given slot; the loser
// gets model.ErrStorageConflict.
func (s *Store) ReserveSlot(ctx context.Context, in ReserveInput) (*model.ReservationTicket, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var accStatus string
	if err := tx.QueryRow(ctx, `select status from accounts where id = $1 for share`, in.AccountID).Scan(&accStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrStorageConflict
		}
		return nil, err
	}
	if model.AccountStatus(accStatus) != model.AccountActive {
		return nil, model.ErrStorageConflict
	}

	const reserveQ = `
update slots
set status = 'reserved',
    holder = $2,
    ticket_id = $3,
    reserved_at = $4,
    occupied_at = null,
    expires_at = $5,
    updated_at = $4
where id = (
    select id from slots
    where account_id = $1 and status = 'free'
    order by slot_index asc
    limit 1
    for update skip locked
  )
  and status = 'free'
returning id, service_kind`
	var slotID, kind string
	err = tx.QueryRow(ctx, reserveQ, in.AccountID, in.CustomerID, in.TicketID, in.Now, in.ExpiresAt).Scan(&slotID, &kind)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, model.ErrStorageConflict
		case isUniqueViolation(err):
			return nil, model.ErrDuplicateHold
		default:
			return nil, err
		}
	}

	t := &model.ReservationTicket{
		ID:          in.TicketID,
		SlotID:      slotID,
		AccountID:   in.AccountID,
		CustomerID:  in.CustomerID,
		ServiceKind: model.ServiceKind(kind),
		CreatedAt:   in.Now,
		ExpiresAt:   in.ExpiresAt,
	}
	const insertTicket = `
insert into reservation_tickets
  (id, slot_id, account_id, customer_id, service_kind, created_at, expires_at)
values
  ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insertTicket, t.ID, t.SlotID, t.AccountID, t.CustomerID, kind, t.CreatedAt, t.ExpiresAt); err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (*model.ReservationTicket, error) {
	q := `select ` + ticketColumns + ` from reservation_tickets where id = $1`
	t, err := scanTicket(s.db.QueryRow(ctx, q, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTicketNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *Store) getTicketForUpdate(ctx context.Context, tx pgx.Tx, ticketID string) (*model.ReservationTicket, error) {
	q := `select ` + ticketColumns + ` from reservation_tickets where id = $1 for update`
	t, err := scanTicket(tx.QueryRow(ctx, q, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrTicketNotFound
		}
		return nil, err
	}
	return t, nil
}

// ConfirmReservation turns a live hold into an occupied slot. A hold past its
// expiry is released here rather than left for the sweeper, so a late
// confirmation always leaves the slot free.
func (s *Store) ConfirmReservation(ctx context.Context, in ConfirmInput) (*model.Slot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := s.getTicketForUpdate(ctx, tx, in.TicketID)
	if err != nil {
		return nil, err
	}
	if t.Consumed() {
		return nil, model.ErrTicketAlreadyConsumed
	}
	if t.Released() {
		return nil, model.ErrTicketExpired
	}
	if t.Expired(in.Now) {
		if _, err := s.releaseHeldSlot(ctx, tx, t, model.SlotFree, nil, in.Now); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, model.ErrTicketExpired
	}

	const occupyQ = `
update slots
set status = 'occupied',
    occupied_at = $3,
    expires_at = $4,
    updated_at = $3
where id = $1 and ticket_id = $2 and status = 'reserved'
returning ` + slotColumns
	slot, err := scanSlot(tx.QueryRow(ctx, occupyQ, t.SlotID, t.ID, in.Now, in.PaidUntil))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		// The sweeper released the hold first.
		if err := markTicketReleased(ctx, tx, t.ID, in.Now); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, model.ErrTicketExpired
	}

	const consumeQ = `
update reservation_tickets
set consumed_at = $2
where id = $1 and consumed_at is null and released_at is null`
	if _, err := tx.Exec(ctx, consumeQ, t.ID, in.Now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return slot, nil
}

// ReleaseReservation returns the held slot to the pool. Consumed, released and
// already swept tickets are no-ops and report false.
func (s *Store) ReleaseReservation(ctx context.Context, in ReleaseInput) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	t, err := s.getTicketForUpdate(ctx, tx, in.TicketID)
	if err != nil {
		return false, err
	}
	if t.Consumed() || t.Released() {
		return false, nil
	}

	next := model.SlotFree
	if in.CoolDownUntil != nil {
		next = model.SlotCoolingDown
	}
	released, err := s.releaseHeldSlot(ctx, tx, t, next, in.CoolDownUntil, in.Now)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return released, nil
}

// releaseHeldSlot clears the slot if it is still reserved under this ticket
// and closes the ticket either way.
func (s *Store) releaseHeldSlot(ctx context.Context, tx pgx.Tx, t *model.ReservationTicket, next model.SlotStatus, until *time.Time, now time.Time) (bool, error) {
	const releaseQ = `
update slots
set status = $3,
    holder = null,
    ticket_id = null,
    reserved_at = null,
    occupied_at = null,
    expires_at = $4,
    updated_at = $5
where id = $1 and ticket_id = $2 and status = 'reserved'`
	tag, err := tx.Exec(ctx, releaseQ, t.SlotID, t.ID, string(next), until, now)
	if err != nil {
		return false, err
	}
	if err := markTicketReleased(ctx, tx, t.ID, now); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func markTicketReleased(ctx context.Context, tx pgx.Tx, ticketID string, now time.Time) error {
	const q = `
update reservation_tickets
set released_at = $2
where id = $1 and consumed_at is null and released_at is null`
	_, err := tx.Exec(ctx, q, ticketID, now)
	return err
}

// ExtendOccupancy renews an occupied slot for another period, counted from the
// later of the current expiry and now.
func (s *Store) ExtendOccupancy(ctx context.Context, in ExtendInput) (*model.Slot, error) {
	const q = `
update slots
set expires_at = greatest(expires_at, $3) + ($4::bigint * interval '1 second'),
    updated_at = $3
where id = $1 and holder = $2 and status = 'occupied'
returning ` + slotColumns
	slot, err := scanSlot(s.db.QueryRow(ctx, q, in.SlotID, in.CustomerID, in.Now, int64(in.Period/time.Second)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrSlotNotFound
		}
		return nil, err
	}
	return slot, nil
}

func (s *Store) ListCustomerSlots(ctx context.Context, customerID string) ([]model.Slot, error) {
	q := `
select ` + slotColumns + `
from slots
where holder = $1 and status in ('reserved', 'occupied')
order by service_kind asc, account_id asc`
	return s.querySlots(ctx, q, customerID)
}

// ListExpiredSlots returns non-free slots whose deadline is at or before now,
// oldest deadline first.
func (s *Store) ListExpiredSlots(ctx context.Context, now time.Time, limit int) ([]model.Slot, error) {
	q := `
select ` + slotColumns + `
from slots
where status <> 'free' and expires_at <= $1
order by expires_at asc
limit $2`
	return s.querySlots(ctx, q, now, limit)
}

// ExpireSlot is the sweeper's conditional transition. It only fires if the
// slot is still in From and still past its deadline; otherwise it reports
// false and changes nothing.
func (s *Store) ExpireSlot(ctx context.Context, in ExpireInput) (bool, error) {
	if !model.CanTransition(in.From, in.To) || in.From == in.To {
		return false, fmt.Errorf("invalid slot transition %s -> %s", in.From, in.To)
	}
	if in.To == model.SlotCoolingDown && in.Until == nil {
		return false, fmt.Errorf("cooling_down requires an end time")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// Confirm and release lock the ticket before the slot; take them in the
	// same order.
	closeTicket := in.From == model.SlotReserved && in.TicketID != ""
	if closeTicket {
		var locked string
		err := tx.QueryRow(ctx, `select id from reservation_tickets where id = $1 for update`, in.TicketID).Scan(&locked)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			closeTicket = false
		case err != nil:
			return false, err
		}
	}

	const q = `
update slots
set status = $3,
    holder = null,
    ticket_id = null,
    reserved_at = null,
    occupied_at = null,
    expires_at = $4,
    updated_at = $5
where id = $1 and status = $2 and expires_at <= $5`
	tag, err := tx.Exec(ctx, q, in.SlotID, string(in.From), string(in.To), in.Until, in.Now)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if closeTicket {
		if err := markTicketReleased(ctx, tx, in.TicketID, in.Now); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// PurgeTickets drops closed tickets whose hold window ended before cutoff.
func (s *Store) PurgeTickets(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
delete from reservation_tickets
where expires_at < $1 and (consumed_at is not null or released_at is not null)`
	tag, err := s.db.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) querySlots(ctx context.Context, q string, args ...any) ([]model.Slot, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Slot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSlot(row pgx.Row) (*model.Slot, error) {
	var out model.Slot
	var kind, status string
	var r model.SlotRow
	if err := row.Scan(
		&out.ID, &out.AccountID, &kind, &out.Index, &status,
		&r.Holder, &r.TicketID, &r.ReservedAt, &r.OccupiedAt, &r.ExpiresAt,
	); err != nil {
		return nil, err
	}
	out.ServiceKind = model.ServiceKind(kind)
	r.Status = model.SlotStatus(status)
	st, err := model.DecodeSlotState(r)
	if err != nil {
		return nil, fmt.Errorf("slot %s: %w", out.ID, err)
	}
	out.State = st
	return &out, nil
}

func scanTicket(row pgx.Row) (*model.ReservationTicket, error) {
	var out model.ReservationTicket
	var kind string
	var consumedAt, releasedAt *time.Time
	if err := row.Scan(
		&out.ID, &out.SlotID, &out.AccountID, &out.CustomerID, &kind,
		&out.CreatedAt, &out.ExpiresAt, &consumedAt, &releasedAt,
	); err != nil {
		return nil, err
	}
	out.ServiceKind = model.ServiceKind(kind)
	out.ConsumedAt = consumedAt
	out.ReleasedAt = releasedAt
	return &out, nil
}
