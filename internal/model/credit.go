package model

import (
	"time"

	"github.com/google/uuid"
)

// ReservationID is the handle returned by a credit reservation.
type ReservationID = uuid.UUID

// Balance is a point-in-time snapshot of one credit account.
type Balance struct {
	AccountID uuid.UUID `json:"account_id"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	Spent     int64     `json:"spent"`
}

// Total is available + reserved + spent, conserved by every ledger
// mutation except top-ups.
func (b Balance) Total() int64 {
	return b.Available + b.Reserved + b.Spent
}

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationSettled  ReservationState = "settled"
	ReservationReleased ReservationState = "released"
)

// Reservation is a ledger-side hold on credits.
type Reservation struct {
	ID             ReservationID    `json:"reservation_id"`
	AccountID      uuid.UUID        `json:"account_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Amount         int64            `json:"amount"`
	SettledCost    int64            `json:"settled_cost"`
	State          ReservationState `json:"state"`
	CreatedAt      time.Time        `json:"created_at"`
	FinalizedAt    *time.Time       `json:"finalized_at,omitempty"`
}
