package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/slotmarket/slot-engine/internal/auth"
	"github.com/slotmarket/slot-engine/internal/model"
)

type ticketRequest struct {
	TicketID string `json:"ticket_id"`
}

type renewRequest struct {
	SlotID     string `json:"slot_id"`
	CustomerID string `json:"customer_id"`
}

type registerAccountRequest struct {
	ServiceKind    string `json:"service_kind"`
	CredentialsRef string `json:"credentials_ref"`
	Capacity       int    `json:"capacity"`
}

type ticketResponse struct {
	TicketID    string    `json:"ticket_id"`
	SlotID      string    `json:"slot_id"`
	AccountID   string    `json:"account_id"`
	ServiceKind string    `json:"service_kind"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type slotResponse struct {
	SlotID      string     `json:"slot_id"`
	AccountID   string     `json:"account_id"`
	ServiceKind string     `json:"service_kind"`
	SlotIndex   int        `json:"slot_index"`
	Status      string     `json:"status"`
	Holder      string     `json:"holder,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type accountResponse struct {
	AccountID      string     `json:"account_id"`
	ServiceKind    string     `json:"service_kind"`
	CredentialsRef string     `json:"credentials_ref"`
	Capacity       int        `json:"capacity"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	RetiredAt      *time.Time `json:"retired_at,omitempty"`
}

type capacityResponse struct {
	AccountID   string `json:"account_id"`
	ServiceKind string `json:"service_kind"`
	Status      string `json:"status"`
	Capacity    int    `json:"capacity"`
	Free        int    `json:"free"`
	Reserved    int    `json:"reserved"`
	Occupied    int    `json:"occupied"`
	CoolingDown int    `json:"cooling_down"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	customerID, ok := auth.CustomerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing customer identity")
		return
	}
	kind, err := model.ParseServiceKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "unknown service kind")
		return
	}

	t, err := s.alloc.ReserveSlot(r.Context(), customerID, kind)
	if err != nil {
		writeDomainError(w, err, "failed to reserve slot")
		return
	}
	writeJSON(w, http.StatusCreated, toTicketResponse(t))
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	customerID, ok := auth.CustomerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing customer identity")
		return
	}
	released, err := s.alloc.CancelReservation(r.Context(), customerID, chi.URLParam(r, "ticketID"))
	if err != nil {
		writeDomainError(w, err, "failed to cancel reservation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) handleMySlots(w http.ResponseWriter, r *http.Request) {
	customerID, ok := auth.CustomerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing customer identity")
		return
	}
	s.writeCustomerSlots(w, r, customerID)
}

func (s *Server) handlePaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := decodeTicketID(w, r)
	if !ok {
		return
	}
	slot, err := s.alloc.ConfirmReservation(r.Context(), ticketID)
	if err != nil {
		writeDomainError(w, err, "failed to confirm reservation")
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(*slot))
}

func (s *Server) handlePaymentFailed(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := decodeTicketID(w, r)
	if !ok {
		return
	}
	released, err := s.alloc.ReleaseReservation(r.Context(), ticketID)
	if err != nil {
		writeDomainError(w, err, "failed to release reservation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) handleSubscriptionRenewed(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.SlotID) == "" || strings.TrimSpace(req.CustomerID) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "slot_id and customer_id are required")
		return
	}
	slot, err := s.alloc.RenewSubscription(r.Context(), req.SlotID, req.CustomerID)
	if err != nil {
		writeDomainError(w, err, "failed to renew subscription")
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(*slot))
}

func (s *Server) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.CredentialsRef) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "credentials_ref is required")
		return
	}
	acc, err := s.pool.RegisterAccount(r.Context(), model.ServiceKind(req.ServiceKind), req.CredentialsRef, req.Capacity)
	if err != nil {
		writeDomainError(w, err, "failed to register account")
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acc))
}

func (s *Server) handleRetireAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.pool.RetireAccount(r.Context(), accountID); err != nil {
		writeDomainError(w, err, "failed to retire account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "status": model.AccountRetired})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	kind := model.ServiceKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	caps, err := s.pool.Capacity(r.Context(), kind)
	if err != nil {
		writeDomainError(w, err, "failed to load capacity")
		return
	}
	out := make([]capacityResponse, 0, len(caps))
	totals := map[string]int{"free": 0, "reserved": 0, "occupied": 0, "cooling_down": 0}
	for _, c := range caps {
		out = append(out, capacityResponse{
			AccountID:   c.AccountID,
			ServiceKind: string(c.ServiceKind),
			Status:      string(c.Status),
			Capacity:    c.Capacity,
			Free:        c.Free,
			Reserved:    c.Reserved,
			Occupied:    c.Occupied,
			CoolingDown: c.CoolingDown,
		})
		if c.Status == model.AccountActive {
			totals["free"] += c.Free
		}
		totals["reserved"] += c.Reserved
		totals["occupied"] += c.Occupied
		totals["cooling_down"] += c.CoolingDown
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out, "totals": totals})
}

func (s *Server) handleCustomerSlots(w http.ResponseWriter, r *http.Request) {
	s.writeCustomerSlots(w, r, chi.URLParam(r, "customerID"))
}

func (s *Server) writeCustomerSlots(w http.ResponseWriter, r *http.Request, customerID string) {
	slots, err := s.pool.CustomerSlots(r.Context(), customerID)
	if err != nil {
		writeDomainError(w, err, "failed to load slots")
		return
	}
	out := make([]slotResponse, 0, len(slots))
	for _, slot := range slots {
		out = append(out, toSlotResponse(slot))
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": out})
}

func decodeTicketID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ticketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return "", false
	}
	if strings.TrimSpace(req.TicketID) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "ticket_id is required")
		return "", false
	}
	return req.TicketID, true
}

// writeDomainError maps model errors to HTTP responses. Anything unknown is
// logged and reported as an internal error with fallback as the message.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrInvalidServiceKind), errors.Is(err, model.ErrInvalidCapacity), errors.Is(err, model.ErrInvalidCustomer):
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, model.ErrAccountNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "account not found")
	case errors.Is(err, model.ErrTicketNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "ticket not found")
	case errors.Is(err, model.ErrSlotNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "occupied slot not found")
	case errors.Is(err, model.ErrDuplicateHold):
		writeAPIError(w, http.StatusConflict, "duplicate_hold", "customer already holds a slot for this service")
	case errors.Is(err, model.ErrAccountHasActiveSlots):
		writeAPIError(w, http.StatusConflict, "account_in_use", "account still has reserved or occupied slots")
	case errors.Is(err, model.ErrTicketAlreadyConsumed):
		writeAPIError(w, http.StatusConflict, "ticket_consumed", "ticket already confirmed")
	case errors.Is(err, model.ErrTicketExpired):
		writeAPIError(w, http.StatusGone, "ticket_expired", "reservation expired")
	case errors.Is(err, model.ErrNoCapacityAvailable):
		writeAPIError(w, http.StatusServiceUnavailable, "sold_out", "no capacity available")
	default:
		log.Printf("level=error event=api_error msg=%q err=%q", fallback, err.Error())
		writeAPIError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func toTicketResponse(t *model.ReservationTicket) ticketResponse {
	return ticketResponse{
		TicketID:    t.ID,
		SlotID:      t.SlotID,
		AccountID:   t.AccountID,
		ServiceKind: string(t.ServiceKind),
		CreatedAt:   t.CreatedAt,
		ExpiresAt:   t.ExpiresAt,
	}
}

func toSlotResponse(slot model.Slot) slotResponse {
	out := slotResponse{
		SlotID:      slot.ID,
		AccountID:   slot.AccountID,
		ServiceKind: string(slot.ServiceKind),
		SlotIndex:   slot.Index,
		Status:      string(slot.Status()),
		Holder:      slot.Holder(),
	}
	if at, ok := slot.ExpiresAt(); ok {
		out.ExpiresAt = &at
	}
	return out
}

func toAccountResponse(acc *model.Account) accountResponse {
	return accountResponse{
		AccountID:      acc.ID,
		ServiceKind:    string(acc.ServiceKind),
		CredentialsRef: acc.CredentialsRef,
		Capacity:       acc.Capacity,
		Status:         string(acc.Status),
		CreatedAt:      acc.CreatedAt,
		RetiredAt:      acc.RetiredAt,
	}
}
