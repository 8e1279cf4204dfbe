package model

import (
	"fmt"
	"time"
)

type ServiceKind string

const (
	ServiceVideo ServiceKind = "video"
	ServiceAudio ServiceKind = "audio"
)

func ParseServiceKind(v string) (ServiceKind, error) {
	switch ServiceKind(v) {
	case ServiceVideo, ServiceAudio:
		return ServiceKind(v), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidServiceKind, v)
	}
}

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountRetired   AccountStatus = "retired"
)

// Account is one shared credential set for one streaming service. Capacity is
// fixed at creation.
type Account struct {
	ID             string
	ServiceKind    ServiceKind
	CredentialsRef string
	Capacity       int
	Status         AccountStatus
	CreatedAt      time.Time
	RetiredAt      *time.Time
}

// AccountCapacity is derived from slot rows at query time and is never stored.
type AccountCapacity struct {
	AccountID   string
	ServiceKind ServiceKind
	Status      AccountStatus
	Capacity    int
	Free        int
	Reserved    int
	Occupied    int
	CoolingDown int
}

func (c AccountCapacity) Active() int {
	return c.Reserved + c.Occupied
}

type ReservationTicket struct {
	ID          string
	SlotID      string
	AccountID   string
	CustomerID  string
	ServiceKind ServiceKind
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	ReleasedAt  *time.Time
}

func (t *ReservationTicket) Consumed() bool {
	return t.ConsumedAt != nil
}

func (t *ReservationTicket) Released() bool {
	return t.ReleasedAt != nil
}

// Expired reports whether the hold window has elapsed at now. The boundary
// instant counts as expired.
func (t *ReservationTicket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

type SlotEventType string

const (
	EventReservationExpired SlotEventType = "reservation_expired"
	EventSubscriptionEnded  SlotEventType = "subscription_ended"
)

type SlotEvent struct {
	Type        SlotEventType `json:"type"`
	SlotID      string        `json:"slot_id"`
	AccountID   string        `json:"account_id"`
	ServiceKind ServiceKind   `json:"service_kind"`
	CustomerID  string        `json:"customer_id"`
	TicketID    string        `json:"ticket_id,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}
