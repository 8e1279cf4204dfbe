package pool

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/slotmarket/slot-engine/internal/model"
	"github.com/slotmarket/slot-engine/internal/store"
)

type Store interface {
	CreateAccount(ctx context.Context, in store.CreateAccountInput) (*model.Account, error)
	RetireAccount(ctx context.Context, accountID string, now time.Time) error
	ListCandidates(ctx context.Context, kind model.ServiceKind) ([]model.AccountCapacity, error)
	ListAccountCapacity(ctx context.Context, kind model.ServiceKind) ([]model.AccountCapacity, error)
	ListCustomerSlots(ctx context.Context, customerID string) ([]model.Slot, error)
}

// Pool registers shared accounts and answers which of them have room.
// Capacity numbers always come from the ledger.
type Pool struct {
	store       Store
	maxCapacity int
	now         func() time.Time
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMaxCapacity bounds the capacity accepted at registration. Zero means
// unbounded.
func WithMaxCapacity(n int) Option {
	return func(p *Pool) { p.maxCapacity = n }
}

func New(st Store, opts ...Option) *Pool {
	p := &Pool{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) RegisterAccount(ctx context.Context, kind model.ServiceKind, credentialsRef string, capacity int) (*model.Account, error) {
	if _, err := model.ParseServiceKind(string(kind)); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: must be positive, got %d", model.ErrInvalidCapacity, capacity)
	}
	if p.maxCapacity > 0 && capacity > p.maxCapacity {
		return nil, fmt.Errorf("%w: %d exceeds maximum %d", model.ErrInvalidCapacity, capacity, p.maxCapacity)
	}
	acc, err := p.store.CreateAccount(ctx, store.CreateAccountInput{
		ServiceKind:    kind,
		CredentialsRef: strings.TrimSpace(credentialsRef),
		Capacity:       capacity,
		Now:            p.now(),
	})
	if err != nil {
		return nil, err
	}
	log.Printf("event=account_registered account_id=%s kind=%s capacity=%d", acc.ID, acc.ServiceKind, acc.Capacity)
	return acc, nil
}

// Candidates yields accounts of kind with at least one free slot, fewest free
// slots first. The sequence is a snapshot taken at call time; call again after
// mutations.
func (p *Pool) Candidates(ctx context.Context, kind model.ServiceKind) (iter.Seq[model.AccountCapacity], error) {
	list, err := p.store.ListCandidates(ctx, kind)
	if err != nil {
		return nil, err
	}
	return func(yield func(model.AccountCapacity) bool) {
		for _, c := range list {
			if c.Free <= 0 {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}, nil
}

func (p *Pool) RetireAccount(ctx context.Context, accountID string) error {
	if err := p.store.RetireAccount(ctx, accountID, p.now()); err != nil {
		return err
	}
	log.Printf("event=account_retired account_id=%s", accountID)
	return nil
}

// Capacity lists derived capacity per account. An empty kind lists all.
func (p *Pool) Capacity(ctx context.Context, kind model.ServiceKind) ([]model.AccountCapacity, error) {
	if kind != "" {
		if _, err := model.ParseServiceKind(string(kind)); err != nil {
			return nil, err
		}
	}
	return p.store.ListAccountCapacity(ctx, kind)
}

func (p *Pool) CustomerSlots(ctx context.Context, customerID string) ([]model.Slot, error) {
	return p.store.ListCustomerSlots(ctx, customerID)
}
