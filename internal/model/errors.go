package model

import "errors"

var (
	ErrInvalidCapacity       = errors.New("invalid capacity")
	ErrInvalidServiceKind    = errors.New("invalid service kind")
	ErrInvalidCustomer       = errors.New("customer id is required")
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountHasActiveSlots = errors.New("account has active slots")
	ErrDuplicateHold         = errors.New("customer already holds a slot for this service")
	ErrNoCapacityAvailable   = errors.New("no capacity available")
	ErrTicketNotFound        = errors.New("ticket not found")
	ErrTicketExpired         = errors.New("ticket expired")
	ErrTicketAlreadyConsumed = errors.New("ticket already consumed")
	ErrSlotNotFound          = errors.New("slot not found")

	// ErrStorageConflict means a conditional update lost its race. Callers
	// retry against another slot; it is not surfaced to API clients.
	ErrStorageConflict = errors.New("storage conflict")
)
