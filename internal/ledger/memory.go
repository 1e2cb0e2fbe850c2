package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/atsume/internal/model"
)

// account is one balance guarded by its own mutex so concurrent reservations
// on different accounts never contend.
type account struct {
	mu   sync.Mutex
	bal  model.Balance
	keys map[string]model.ReservationID // idempotency key -> reservation
}

// Memory is an in-process Ledger. It is the default when no database is
// configured and the reference implementation the Postgres ledger is tested
// against.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*account
	reservations map[model.ReservationID]*model.Reservation

	now func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[uuid.UUID]*account),
		reservations: make(map[model.ReservationID]*model.Reservation),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

var _ Ledger = (*Memory)(nil)

func (m *Memory) account(id uuid.UUID) (*account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	return a, ok
}

// Reserve implements Ledger.
func (m *Memory) Reserve(_ context.Context, accountID uuid.UUID, amount int64, idempotencyKey string) (model.ReservationID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("%w: reserve %d", ErrInvalidAmount, amount)
	}
	a, ok := m.account(accountID)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if idempotencyKey != "" {
		if id, seen := a.keys[idempotencyKey]; seen {
			m.mu.RLock()
			r := m.reservations[id]
			m.mu.RUnlock()
			if r.Amount != amount {
				return uuid.Nil, fmt.Errorf("%w: key %q held %d, asked %d", ErrIdempotencyMismatch, idempotencyKey, r.Amount, amount)
			}
			return id, nil
		}
	}

	if a.bal.Available < amount {
		return uuid.Nil, fmt.Errorf("%w: account %s has %d available, needs %d",
			ErrInsufficientCredits, accountID, a.bal.Available, amount)
	}

	a.bal.Available -= amount
	a.bal.Reserved += amount

	r := &model.Reservation{
		ID:             uuid.New(),
		AccountID:      accountID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		State:          model.ReservationHeld,
		CreatedAt:      m.now(),
	}
	m.mu.Lock()
	m.reservations[r.ID] = r
	m.mu.Unlock()
	if idempotencyKey != "" {
		a.keys[idempotencyKey] = r.ID
	}
	return r.ID, nil
}

// Settle implements Ledger.
func (m *Memory) Settle(_ context.Context, id model.ReservationID, actualCost int64) error {
	if actualCost < 0 {
		return fmt.Errorf("%w: settle cost %d", ErrInvalidAmount, actualCost)
	}
	return m.finalize(id, func(a *account, r *model.Reservation) error {
		if actualCost > r.Amount {
			return fmt.Errorf("%w: cost %d, reserved %d", ErrCostExceedsReservation, actualCost, r.Amount)
		}
		a.bal.Reserved -= r.Amount
		a.bal.Spent += actualCost
		a.bal.Available += r.Amount - actualCost
		r.SettledCost = actualCost
		r.State = model.ReservationSettled
		return nil
	})
}

// Release implements Ledger.
func (m *Memory) Release(_ context.Context, id model.ReservationID) error {
	return m.finalize(id, func(a *account, r *model.Reservation) error {
		a.bal.Reserved -= r.Amount
		a.bal.Available += r.Amount
		r.State = model.ReservationReleased
		return nil
	})
}

// finalize runs fn under the owning account's lock if the reservation is
// still held.
func (m *Memory) finalize(id model.ReservationID, fn func(*account, *model.Reservation) error) error {
	m.mu.RLock()
	r, ok := m.reservations[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	a, ok := m.account(r.AccountID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, r.AccountID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if r.State != model.ReservationHeld {
		return fmt.Errorf("%w: %s already %s", ErrUnknownReservation, id, r.State)
	}
	if err := fn(a, r); err != nil {
		return err
	}
	now := m.now()
	r.FinalizedAt = &now
	return nil
}

// Balance implements Ledger.
func (m *Memory) Balance(_ context.Context, accountID uuid.UUID) (model.Balance, error) {
	a, ok := m.account(accountID)
	if !ok {
		return model.Balance{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bal, nil
}

// TopUp implements Ledger.
func (m *Memory) TopUp(_ context.Context, accountID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: top-up %d", ErrInvalidAmount, amount)
	}
	a := m.openAccount(accountID)
	a.mu.Lock()
	a.bal.Available += amount
	a.mu.Unlock()
	return nil
}

// OpenAccount creates an empty account if none exists.
func (m *Memory) OpenAccount(accountID uuid.UUID) {
	m.openAccount(accountID)
}

func (m *Memory) openAccount(accountID uuid.UUID) *account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		a = &account{
			bal:  model.Balance{AccountID: accountID},
			keys: make(map[string]model.ReservationID),
		}
		m.accounts[accountID] = a
	}
	return a
}
