package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slotmarket/slot-engine/internal/auth"
	"github.com/slotmarket/slot-engine/internal/config"
	"github.com/slotmarket/slot-engine/internal/metrics"
	"github.com/slotmarket/slot-engine/internal/model"
	"github.com/slotmarket/slot-engine/internal/ratelimit"
)

type Allocator interface {
	ReserveSlot(ctx context.Context, customerID string, kind model.ServiceKind) (*model.ReservationTicket, error)
	ConfirmReservation(ctx context.Context, ticketID string) (*model.Slot, error)
	ReleaseReservation(ctx context.Context, ticketID string) (bool, error)
	CancelReservation(ctx context.Context, customerID, ticketID string) (bool, error)
	RenewSubscription(ctx context.Context, slotID, customerID string) (*model.Slot, error)
}

type Pool interface {
	RegisterAccount(ctx context.Context, kind model.ServiceKind, credentialsRef string, capacity int) (*model.Account, error)
	RetireAccount(ctx context.Context, accountID string) error
	Capacity(ctx context.Context, kind model.ServiceKind) ([]model.AccountCapacity, error)
	CustomerSlots(ctx context.Context, customerID string) ([]model.Slot, error)
}

type Server struct {
	cfg   config.Config
	alloc Allocator
	pool  Pool
}

// NewRouter wires the customer, payment bridge and admin surfaces. A nil
// limiter leaves checkout unthrottled.
func NewRouter(cfg config.Config, alloc Allocator, pool Pool, limiter ratelimit.Limiter) http.Handler {
	s := &Server{cfg: cfg, alloc: alloc, pool: pool}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	checkoutLimit := func(next http.Handler) http.Handler { return next }
	if limiter != nil {
		checkoutLimit = ratelimit.Middleware(limiter, func(r *http.Request) string {
			id, _ := auth.CustomerIDFromContext(r.Context())
			return id
		})
	}

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.With(checkoutLimit).Post("/checkout/{kind}", s.handleCheckout)
			authed.Delete("/reservations/{ticketID}", s.handleCancelReservation)
			authed.Get("/slots", s.handleMySlots)
		})

		v1.With(auth.SharedKey("X-Bridge-Auth", cfg.BridgeSharedKey)).Route("/bridge", func(b chi.Router) {
			b.Post("/payments/confirmed", s.handlePaymentConfirmed)
			b.Post("/payments/failed", s.handlePaymentFailed)
			b.Post("/subscriptions/renewed", s.handleSubscriptionRenewed)
		})

		v1.With(auth.SharedKey("X-Admin-Auth", cfg.AdminSharedKey)).Route("/admin", func(a chi.Router) {
			a.Post("/accounts", s.handleRegisterAccount)
			a.Post("/accounts/{accountID}/retire", s.handleRetireAccount)
			a.Get("/capacity", s.handleCapacity)
			a.Get("/customers/{customerID}/slots", s.handleCustomerSlots)
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
