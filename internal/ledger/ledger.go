// Package ledger is the credit admission-control gate for collection runs.
//
// Credits move between three buckets per account. Reserve moves credits from
// available to reserved before cost is known; Settle moves the actual cost
// from reserved to spent and returns the remainder; Release returns the full
// reservation. available + reserved + spent is conserved by all three.
// Mutations on one account are serialized; different accounts never contend.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/atsume/internal/model"
)

var (
	// ErrInsufficientCredits is returned by Reserve when available < amount.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrUnknownReservation is returned when settling or releasing a
	// reservation that does not exist or is already finalized.
	ErrUnknownReservation = errors.New("ledger: unknown reservation")
	// ErrAccountNotFound is returned for operations on a missing account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInvalidAmount is returned for non-positive reserve or top-up amounts
	// and negative settlement costs.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrCostExceedsReservation is returned by Settle when actual cost is
	// larger than the reserved amount.
	ErrCostExceedsReservation = errors.New("ledger: cost exceeds reservation")
	// ErrIdempotencyMismatch is returned when an idempotency key is reused
	// with a different amount.
	ErrIdempotencyMismatch = errors.New("ledger: idempotency key reused with different amount")
)

// Ledger is implemented by the in-memory ledger and the Postgres ledger.
type Ledger interface {
	// Reserve holds amount credits on accountID. Repeating a call with the
	// same idempotency key returns the original reservation without holding
	// more credits.
	Reserve(ctx context.Context, accountID uuid.UUID, amount int64, idempotencyKey string) (model.ReservationID, error)
	// Settle finalizes a reservation at actualCost <= reserved amount.
	Settle(ctx context.Context, id model.ReservationID, actualCost int64) error
	// Release returns the full reserved amount to available.
	Release(ctx context.Context, id model.ReservationID) error
	// Balance returns a snapshot of an account.
	Balance(ctx context.Context, accountID uuid.UUID) (model.Balance, error)
	// TopUp adds credits to available, creating the account if needed.
	TopUp(ctx context.Context, accountID uuid.UUID, amount int64) error
}
