// Package storetest provides an in-memory ledger with the same conditional
// update contract as the PostgreSQL store, for tests of the allocator, pool
// and sweeper.
package storetest

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/slotmarket/slot-engine/internal/model"
	"github.com/slotmarket/slot-engine/internal/store"
)

type Ledger struct {
	mu        sync.Mutex
	seq       int
	accounts  map[string]*model.Account
	order     []string
	slots     map[string]*model.Slot
	byAccount map[string][]string
	tickets   map[string]*model.ReservationTicket
}

func New() *Ledger {
	return &Ledger{
		accounts:  make(map[string]*model.Account),
		slots:     make(map[string]*model.Slot),
		byAccount: make(map[string][]string),
		tickets:   make(map[string]*model.ReservationTicket),
	}
}

func (l *Ledger) CreateAccount(_ context.Context, in store.CreateAccountInput) (*model.Account, error) {
	if in.Capacity <= 0 {
		return nil, model.ErrInvalidCapacity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	acc := &model.Account{
		ID:             fmt.Sprintf("acc_%d", l.seq),
		ServiceKind:    in.ServiceKind,
		CredentialsRef: in.CredentialsRef,
		Capacity:       in.Capacity,
		Status:         model.AccountActive,
		CreatedAt:      in.Now,
	}
	l.accounts[acc.ID] = acc
	l.order = append(l.order, acc.ID)
	for i := 0; i < in.Capacity; i++ {
		slot := &model.Slot{
			ID:          fmt.Sprintf("slt_%d_%d", l.seq, i),
			AccountID:   acc.ID,
			ServiceKind: in.ServiceKind,
			Index:       i,
			State:       model.Free{},
		}
		l.slots[slot.ID] = slot
		l.byAccount[acc.ID] = append(l.byAccount[acc.ID], slot.ID)
	}
	cp := *acc
	return &cp, nil
}

func (l *Ledger) RetireAccount(_ context.Context, accountID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return model.ErrAccountNotFound
	}
	if acc.Status == model.AccountRetired {
		return nil
	}
	if n := l.capacityLocked(acc).Active(); n > 0 {
		return fmt.Errorf("%w: %d active", model.ErrAccountHasActiveSlots, n)
	}
	acc.Status = model.AccountRetired
	acc.RetiredAt = &now
	return nil
}

// SetAccountStatus lets tests suspend an account directly.
func (l *Ledger) SetAccountStatus(accountID string, status model.AccountStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[accountID]; ok {
		acc.Status = status
	}
}

func (l *Ledger) ListCandidates(_ context.Context, kind model.ServiceKind) ([]model.AccountCapacity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.AccountCapacity, 0)
	for _, id := range l.order {
		acc := l.accounts[id]
		if acc.ServiceKind != kind || acc.Status != model.AccountActive {
			continue
		}
		c := l.capacityLocked(acc)
		if c.Free > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Free < out[j].Free })
	return out, nil
}

func (l *Ledger) ListAccountCapacity(_ context.Context, kind model.ServiceKind) ([]model.AccountCapacity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.AccountCapacity, 0)
	for _, id := range l.order {
		acc := l.accounts[id]
		if kind != "" && acc.ServiceKind != kind {
			continue
		}
		out = append(out, l.capacityLocked(acc))
	}
	return out, nil
}

func (l *Ledger) capacityLocked(acc *model.Account) model.AccountCapacity {
	c := model.AccountCapacity{
		AccountID:   acc.ID,
		ServiceKind: acc.ServiceKind,
		Status:      acc.Status,
		Capacity:    acc.Capacity,
	}
	for _, sid := range l.byAccount[acc.ID] {
		switch l.slots[sid].State.(type) {
		case model.Free:
			c.Free++
		case model.Reserved:
			c.Reserved++
		case model.Occupied:
			c.Occupied++
		case model.CoolingDown:
			c.CoolingDown++
		}
	}
	return c
}

func (l *Ledger) HasActiveHold(_ context.Context, customerID string, kind model.ServiceKind) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holdsLocked(customerID, kind), nil
}

func (l *Ledger) holdsLocked(customerID string, kind model.ServiceKind) bool {
	for _, s := range l.slots {
		if s.ServiceKind == kind && s.Holder() == customerID {
			return true
		}
	}
	return false
}

// ReserveSlot picks a free slot, yields, then applies the transition only if
// the slot is still free. Concurrent callers therefore see real conflicts.
func (l *Ledger) ReserveSlot(_ context.Context, in store.ReserveInput) (*model.ReservationTicket, error) {
	l.mu.Lock()
	var target string
	for _, sid := range l.byAccount[in.AccountID] {
		if l.slots[sid].Status() == model.SlotFree {
			target = sid
			break
		}
	}
	l.mu.Unlock()
	if target == "" {
		return nil, model.ErrStorageConflict
	}

	runtime.Gosched()

	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[in.AccountID]
	if !ok || acc.Status != model.AccountActive {
		return nil, model.ErrStorageConflict
	}
	slot := l.slots[target]
	if slot.Status() != model.SlotFree {
		return nil, model.ErrStorageConflict
	}
	if l.holdsLocked(in.CustomerID, slot.ServiceKind) {
		return nil, model.ErrDuplicateHold
	}
	slot.State = model.Reserved{
		Holder:     in.CustomerID,
		TicketID:   in.TicketID,
		ReservedAt: in.Now,
		ExpiresAt:  in.ExpiresAt,
	}
	t := &model.ReservationTicket{
		ID:          in.TicketID,
		SlotID:      slot.ID,
		AccountID:   slot.AccountID,
		CustomerID:  in.CustomerID,
		ServiceKind: slot.ServiceKind,
		CreatedAt:   in.Now,
		ExpiresAt:   in.ExpiresAt,
	}
	l.tickets[t.ID] = t
	cp := *t
	return &cp, nil
}

func (l *Ledger) GetTicket(_ context.Context, ticketID string) (*model.ReservationTicket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tickets[ticketID]
	if !ok {
		return nil, model.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (l *Ledger) ConfirmReservation(_ context.Context, in store.ConfirmInput) (*model.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tickets[in.TicketID]
	if !ok {
		return nil, model.ErrTicketNotFound
	}
	if t.Consumed() {
		return nil, model.ErrTicketAlreadyConsumed
	}
	if t.Released() {
		return nil, model.ErrTicketExpired
	}
	if t.Expired(in.Now) {
		l.releaseHeldLocked(t, model.Free{}, in.Now)
		return nil, model.ErrTicketExpired
	}
	slot := l.slots[t.SlotID]
	res, ok := slot.State.(model.Reserved)
	if !ok || res.TicketID != t.ID {
		l.closeTicketLocked(t, in.Now)
		return nil, model.ErrTicketExpired
	}
	slot.State = model.Occupied{
		Holder:     res.Holder,
		TicketID:   t.ID,
		OccupiedAt: in.Now,
		ExpiresAt:  in.PaidUntil,
	}
	now := in.Now
	t.ConsumedAt = &now
	cp := *slot
	return &cp, nil
}

func (l *Ledger) ReleaseReservation(_ context.Context, in store.ReleaseInput) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tickets[in.TicketID]
	if !ok {
		return false, model.ErrTicketNotFound
	}
	if t.Consumed() || t.Released() {
		return false, nil
	}
	var next model.SlotState = model.Free{}
	if in.CoolDownUntil != nil {
		next = model.CoolingDown{Until: *in.CoolDownUntil}
	}
	return l.releaseHeldLocked(t, next, in.Now), nil
}

func (l *Ledger) releaseHeldLocked(t *model.ReservationTicket, next model.SlotState, now time.Time) bool {
	released := false
	slot := l.slots[t.SlotID]
	if res, ok := slot.State.(model.Reserved); ok && res.TicketID == t.ID {
		slot.State = next
		released = true
	}
	l.closeTicketLocked(t, now)
	return released
}

func (l *Ledger) closeTicketLocked(t *model.ReservationTicket, now time.Time) {
	if t.ConsumedAt == nil && t.ReleasedAt == nil {
		t.ReleasedAt = &now
	}
}

func (l *Ledger) ExtendOccupancy(_ context.Context, in store.ExtendInput) (*model.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[in.SlotID]
	if !ok {
		return nil, model.ErrSlotNotFound
	}
	occ, ok := slot.State.(model.Occupied)
	if !ok || occ.Holder != in.CustomerID {
		return nil, model.ErrSlotNotFound
	}
	base := occ.ExpiresAt
	if in.Now.After(base) {
		base = in.Now
	}
	occ.ExpiresAt = base.Add(in.Period)
	slot.State = occ
	cp := *slot
	return &cp, nil
}

func (l *Ledger) ListCustomerSlots(_ context.Context, customerID string) ([]model.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Slot, 0)
	for _, s := range l.slots {
		if s.Holder() == customerID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceKind != out[j].ServiceKind {
			return out[i].ServiceKind < out[j].ServiceKind
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (l *Ledger) ListExpiredSlots(_ context.Context, now time.Time, limit int) ([]model.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Slot, 0)
	for _, s := range l.slots {
		if deadline, ok := s.ExpiresAt(); ok && !deadline.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, _ := out[i].ExpiresAt()
		dj, _ := out[j].ExpiresAt()
		return di.Before(dj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) ExpireSlot(_ context.Context, in store.ExpireInput) (bool, error) {
	if !model.CanTransition(in.From, in.To) || in.From == in.To {
		return false, fmt.Errorf("invalid slot transition %s -> %s", in.From, in.To)
	}
	if in.To == model.SlotCoolingDown && in.Until == nil {
		return false, fmt.Errorf("cooling_down requires an end time")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[in.SlotID]
	if !ok || slot.Status() != in.From {
		return false, nil
	}
	if deadline, ok := slot.ExpiresAt(); !ok || deadline.After(in.Now) {
		return false, nil
	}
	switch in.To {
	case model.SlotFree:
		slot.State = model.Free{}
	case model.SlotCoolingDown:
		slot.State = model.CoolingDown{Until: *in.Until}
	}
	if in.From == model.SlotReserved && in.TicketID != "" {
		if t, ok := l.tickets[in.TicketID]; ok {
			l.closeTicketLocked(t, in.Now)
		}
	}
	return true, nil
}

func (l *Ledger) PurgeTickets(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, t := range l.tickets {
		if t.ExpiresAt.Before(cutoff) && (t.Consumed() || t.Released()) {
			delete(l.tickets, id)
			n++
		}
	}
	return n, nil
}

// Slot returns a copy of the slot for assertions.
func (l *Ledger) Slot(slotID string) model.Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.slots[slotID]
}

// Capacity returns the derived counts for one account.
func (l *Ledger) Capacity(accountID string) model.AccountCapacity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacityLocked(l.accounts[accountID])
}
