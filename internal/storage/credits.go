package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/atsume/internal/ledger"
	"github.com/ashita-ai/atsume/internal/model"
)

// CreditStore is the durable ledger.Ledger. Every mutation locks the
// account row first, so reservations on one account serialize in Postgres
// exactly as they do in ledger.Memory.
type CreditStore struct {
	db *DB
}

// Credits returns the credit ledger backed by db.
func (db *DB) Credits() *CreditStore {
	return &CreditStore{db: db}
}

var _ ledger.Ledger = (*CreditStore)(nil)

// lockAccount takes the row lock on an account and returns its available credits.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int64, error) {
	var available int64
	err := tx.QueryRow(ctx,
		`SELECT available FROM credit_accounts WHERE account_id = $1 FOR UPDATE`, accountID,
	).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	return available, err
}

// Reserve implements ledger.Ledger.
func (s *CreditStore) Reserve(ctx context.Context, accountID uuid.UUID, amount int64, idempotencyKey string) (model.ReservationID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("%w: reserve %d", ledger.ErrInvalidAmount, amount)
	}

	var id uuid.UUID
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		available, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			var (
				existing uuid.UUID
				held     int64
			)
			err := tx.QueryRow(ctx,
				`SELECT id, amount FROM credit_reservations
				 WHERE account_id = $1 AND idempotency_key = $2`,
				accountID, idempotencyKey,
			).Scan(&existing, &held)
			switch {
			case err == nil:
				if held != amount {
					return fmt.Errorf("%w: key %q held %d, asked %d", ledger.ErrIdempotencyMismatch, idempotencyKey, held, amount)
				}
				id = existing
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}

		if available < amount {
			return fmt.Errorf("%w: account %s has %d available, needs %d",
				ledger.ErrInsufficientCredits, accountID, available, amount)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts
			 SET available = available - $2, reserved = reserved + $2, updated_at = now()
			 WHERE account_id = $1`,
			accountID, amount,
		); err != nil {
			return err
		}

		id = uuid.New()
		_, err = tx.Exec(ctx,
			`INSERT INTO credit_reservations (id, account_id, idempotency_key, amount)
			 VALUES ($1, $2, NULLIF($3, ''), $4)`,
			id, accountID, idempotencyKey, amount,
		)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: reserve credits: %w", err)
	}
	return id, nil
}

// Settle implements ledger.Ledger.
func (s *CreditStore) Settle(ctx context.Context, id model.ReservationID, actualCost int64) error {
	if actualCost < 0 {
		return fmt.Errorf("%w: settle cost %d", ledger.ErrInvalidAmount, actualCost)
	}
	err := s.finalize(ctx, id, func(tx pgx.Tx, accountID uuid.UUID, amount int64) error {
		if actualCost > amount {
			return fmt.Errorf("%w: cost %d, reserved %d", ledger.ErrCostExceedsReservation, actualCost, amount)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts
			 SET reserved = reserved - $2, spent = spent + $3, available = available + ($2 - $3), updated_at = now()
			 WHERE account_id = $1`,
			accountID, amount, actualCost,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE credit_reservations SET state = 'settled', settled_cost = $2, finalized_at = now() WHERE id = $1`,
			id, actualCost,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: settle reservation: %w", err)
	}
	return nil
}

// Release implements ledger.Ledger.
func (s *CreditStore) Release(ctx context.Context, id model.ReservationID) error {
	err := s.finalize(ctx, id, func(tx pgx.Tx, accountID uuid.UUID, amount int64) error {
		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts
			 SET reserved = reserved - $2, available = available + $2, updated_at = now()
			 WHERE account_id = $1`,
			accountID, amount,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE credit_reservations SET state = 'released', finalized_at = now() WHERE id = $1`, id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: release reservation: %w", err)
	}
	return nil
}

// finalize locks the owning account, then the reservation, and runs fn if
// the reservation is still held.
func (s *CreditStore) finalize(ctx context.Context, id model.ReservationID, fn func(tx pgx.Tx, accountID uuid.UUID, amount int64) error) error {
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		var accountID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT account_id FROM credit_reservations WHERE id = $1`, id).Scan(&accountID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownReservation, id)
		}
		if err != nil {
			return err
		}
		if _, err := lockAccount(ctx, tx, accountID); err != nil {
			return err
		}

		var (
			amount int64
			state  model.ReservationState
		)
		if err := tx.QueryRow(ctx,
			`SELECT amount, state FROM credit_reservations WHERE id = $1 FOR UPDATE`, id,
		).Scan(&amount, &state); err != nil {
			return err
		}
		if state != model.ReservationHeld {
			return fmt.Errorf("%w: %s already %s", ledger.ErrUnknownReservation, id, state)
		}
		return fn(tx, accountID, amount)
	})
}

// Balance implements ledger.Ledger.
func (s *CreditStore) Balance(ctx context.Context, accountID uuid.UUID) (model.Balance, error) {
	b := model.Balance{AccountID: accountID}
	err := s.db.pool.QueryRow(ctx,
		`SELECT available, reserved, spent FROM credit_accounts WHERE account_id = $1`, accountID,
	).Scan(&b.Available, &b.Reserved, &b.Spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Balance{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return model.Balance{}, fmt.Errorf("storage: get balance: %w", err)
	}
	return b, nil
}

// TopUp implements ledger.Ledger.
func (s *CreditStore) TopUp(ctx context.Context, accountID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: top-up %d", ledger.ErrInvalidAmount, amount)
	}
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO credit_accounts (account_id, available) VALUES ($1, $2)
		 ON CONFLICT (account_id) DO UPDATE
		 SET available = credit_accounts.available + EXCLUDED.available, updated_at = now()`,
		accountID, amount,
	)
	if err != nil {
		return fmt.Errorf("storage: top up: %w", err)
	}
	return nil
}

// OpenAccount creates an empty account if none exists.
func (s *CreditStore) OpenAccount(ctx context.Context, accountID uuid.UUID) error {
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO credit_accounts (account_id) VALUES ($1) ON CONFLICT DO NOTHING`, accountID,
	)
	if err != nil {
		return fmt.Errorf("storage: open account: %w", err)
	}
	return nil
}

// PruneFinalizedReservations deletes settled and released reservations
// finalized before cutoff. Held reservations are never pruned.
func (s *CreditStore) PruneFinalizedReservations(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.pool.Exec(ctx,
		`DELETE FROM credit_reservations WHERE state <> 'held' AND finalized_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}
