package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/slotmarket/slot-engine/internal/model"
)

const pgUniqueViolation = "23505"

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type CreateAccountInput struct {
	ServiceKind    model.ServiceKind
	CredentialsRef string
	Capacity       int
	Now            time.Time
}

func New(db DB) *Store {
	return &Store{db: db}
}

const accountColumns = `id, service_kind, credentials_ref, capacity, status, created_at, retired_at`

// CreateAccount inserts the account and its capacity worth of free slots in a
// single transaction.
func (s *Store) CreateAccount(ctx context.Context, in CreateAccountInput) (*model.Account, error) {
	if in.Capacity <= 0 {
		return nil, model.ErrInvalidCapacity
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc := &model.Account{
		ID:             "acc_" + uuid.NewString(),
		ServiceKind:    in.ServiceKind,
		CredentialsRef: in.CredentialsRef,
		Capacity:       in.Capacity,
		Status:         model.AccountActive,
		CreatedAt:      in.Now,
	}

	const insertAccount = `
insert into accounts
  (id, service_kind, credentials_ref, capacity, status, created_at)
values
  ($1, $2, $3, $4, 'active', $5)`
	if _, err := tx.Exec(ctx, insertAccount, acc.ID, string(acc.ServiceKind), acc.CredentialsRef, acc.Capacity, in.Now); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	const insertSlot = `
insert into slots
  (id, account_id, service_kind, slot_index, status, updated_at)
values
  ($1, $2, $3, $4, 'free', $5)`
	for i := 0; i < in.Capacity; i++ {
		if _, err := tx.Exec(ctx, insertSlot, "slt_"+uuid.NewString(), acc.ID, string(acc.ServiceKind), i, in.Now); err != nil {
			return nil, fmt.Errorf("insert slot %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	q := `select ` + accountColumns + ` from accounts where id = $1`
	acc, err := scanAccount(s.db.QueryRow(ctx, q, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAccountNotFound
		}
		return nil, err
	}
	return acc, nil
}

// RetireAccount locks the account row so no reservation can land between the
// active-slot check and the status change. Retiring twice is a no-op.
func (s *Store) RetireAccount(ctx context.Context, accountID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `select status from accounts where id = $1 for update`, accountID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrAccountNotFound
		}
		return err
	}
	if model.AccountStatus(status) == model.AccountRetired {
		return tx.Commit(ctx)
	}

	var active int
	const countActive = `
select count(*)
from slots
where account_id = $1 and status in ('reserved', 'occupied')`
	if err := tx.QueryRow(ctx, countActive, accountID).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("%w: %d active", model.ErrAccountHasActiveSlots, active)
	}

	if _, err := tx.Exec(ctx, `update accounts set status = 'retired', retired_at = $2 where id = $1`, accountID, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const capacitySelect = `
select a.id, a.service_kind, a.status, a.capacity,
       count(s.id) filter (where s.status = 'free') as free_slots,
       count(s.id) filter (where s.status = 'reserved') as reserved_slots,
       count(s.id) filter (where s.status = 'occupied') as occupied_slots,
       count(s.id) filter (where s.status = 'cooling_down') as cooling_slots
from accounts a
left join slots s on s.account_id = a.id`

// ListCandidates returns active accounts of kind with at least one free slot,
// fullest first so that partially used accounts are filled before new ones.
func (s *Store) ListCandidates(ctx context.Context, kind model.ServiceKind) ([]model.AccountCapacity, error) {
	q := capacitySelect + `
where a.service_kind = $1 and a.status = 'active'
group by a.id, a.service_kind, a.status, a.capacity, a.created_at
having count(s.id) filter (where s.status = 'free') > 0
order by free_slots asc, a.created_at asc, a.id asc`
	return s.queryCapacity(ctx, q, string(kind))
}

// ListAccountCapacity backs the admin capacity view. An empty kind lists every
// account.
func (s *Store) ListAccountCapacity(ctx context.Context, kind model.ServiceKind) ([]model.AccountCapacity, error) {
	q := capacitySelect + `
where ($1 = '' or a.service_kind = $1)
group by a.id, a.service_kind, a.status, a.capacity, a.created_at
order by a.service_kind asc, a.created_at asc, a.id asc`
	return s.queryCapacity(ctx, q, string(kind))
}

func (s *Store) queryCapacity(ctx context.Context, q string, args ...any) ([]model.AccountCapacity, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.AccountCapacity, 0)
	for rows.Next() {
		var c model.AccountCapacity
		var kind, status string
		if err := rows.Scan(&c.AccountID, &kind, &status, &c.Capacity, &c.Free, &c.Reserved, &c.Occupied, &c.CoolingDown); err != nil {
			return nil, err
		}
		c.ServiceKind = model.ServiceKind(kind)
		c.Status = model.AccountStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var out model.Account
	var kind, status string
	var retiredAt *time.Time
	if err := row.Scan(&out.ID, &kind, &out.CredentialsRef, &out.Capacity, &status, &out.CreatedAt, &retiredAt); err != nil {
		return nil, err
	}
	out.ServiceKind = model.ServiceKind(kind)
	out.Status = model.AccountStatus(status)
	out.RetiredAt = retiredAt
	return &out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
