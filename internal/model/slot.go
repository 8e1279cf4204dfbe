package model

import (
	"fmt"
	"time"
)

type SlotStatus string

const (
	SlotFree        SlotStatus = "free"
	SlotReserved    SlotStatus = "reserved"
	SlotOccupied    SlotStatus = "occupied"
	SlotCoolingDown SlotStatus = "cooling_down"
)

// SlotState is the closed set of states a slot can be in. Only the types in
// this file implement it.
type SlotState interface {
	Status() SlotStatus
	slotState()
}

type Free struct{}

type Reserved struct {
	Holder     string
	TicketID   string
	ReservedAt time.Time
	ExpiresAt  time.Time
}

type Occupied struct {
	Holder     string
	TicketID   string
	OccupiedAt time.Time
	ExpiresAt  time.Time
}

type CoolingDown struct {
	Until time.Time
}

func (Free) Status() SlotStatus        { return SlotFree }
func (Reserved) Status() SlotStatus    { return SlotReserved }
func (Occupied) Status() SlotStatus    { return SlotOccupied }
func (CoolingDown) Status() SlotStatus { return SlotCoolingDown }

func (Free) slotState()        {}
func (Reserved) slotState()    {}
func (Occupied) slotState()    {}
func (CoolingDown) slotState() {}

type Slot struct {
	ID          string
	AccountID   string
	ServiceKind ServiceKind
	Index       int
	State       SlotState
}

func (s Slot) Status() SlotStatus {
	if s.State == nil {
		return SlotFree
	}
	return s.State.Status()
}

// Holder is non-empty only while the slot is reserved or occupied.
func (s Slot) Holder() string {
	switch st := s.State.(type) {
	case Reserved:
		return st.Holder
	case Occupied:
		return st.Holder
	default:
		return ""
	}
}

// ExpiresAt returns the deadline the sweeper acts on, if the state has one.
func (s Slot) ExpiresAt() (time.Time, bool) {
	switch st := s.State.(type) {
	case Reserved:
		return st.ExpiresAt, true
	case Occupied:
		return st.ExpiresAt, true
	case CoolingDown:
		return st.Until, true
	default:
		return time.Time{}, false
	}
}

// CanTransition is the full slot transition table. Occupied to occupied is a
// renewal of the paid period.
func CanTransition(from, to SlotStatus) bool {
	switch from {
	case SlotFree:
		return to == SlotReserved
	case SlotReserved:
		return to == SlotOccupied || to == SlotFree || to == SlotCoolingDown
	case SlotOccupied:
		return to == SlotOccupied || to == SlotFree || to == SlotCoolingDown
	case SlotCoolingDown:
		return to == SlotFree
	default:
		return false
	}
}

// SlotRow is the flat column set a ledger row is stored as.
type SlotRow struct {
	Status     SlotStatus
	Holder     *string
	TicketID   *string
	ReservedAt *time.Time
	OccupiedAt *time.Time
	ExpiresAt  *time.Time
}

// DecodeSlotState rebuilds the state variant from a ledger row and rejects
// rows whose columns contradict their status.
func DecodeSlotState(r SlotRow) (SlotState, error) {
	switch r.Status {
	case SlotFree:
		return Free{}, nil
	case SlotReserved:
		if r.Holder == nil || r.ReservedAt == nil || r.ExpiresAt == nil {
			return nil, fmt.Errorf("reserved slot row missing holder or timestamps")
		}
		return Reserved{
			Holder:     *r.Holder,
			TicketID:   deref(r.TicketID),
			ReservedAt: *r.ReservedAt,
			ExpiresAt:  *r.ExpiresAt,
		}, nil
	case SlotOccupied:
		if r.Holder == nil || r.OccupiedAt == nil || r.ExpiresAt == nil {
			return nil, fmt.Errorf("occupied slot row missing holder or timestamps")
		}
		return Occupied{
			Holder:     *r.Holder,
			TicketID:   deref(r.TicketID),
			OccupiedAt: *r.OccupiedAt,
			ExpiresAt:  *r.ExpiresAt,
		}, nil
	case SlotCoolingDown:
		if r.ExpiresAt == nil {
			return nil, fmt.Errorf("cooling_down slot row missing expires_at")
		}
		return CoolingDown{Until: *r.ExpiresAt}, nil
	default:
		return nil, fmt.Errorf("unknown slot status %q", r.Status)
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
