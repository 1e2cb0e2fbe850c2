package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/atsume/internal/model"
)

// QueryDesignStore persists query designs and their arena targets.
type QueryDesignStore struct {
	db *DB
}

// QueryDesigns returns the query design store backed by db.
func (db *DB) QueryDesigns() *QueryDesignStore {
	return &QueryDesignStore{db: db}
}

// CreateQueryDesign inserts a query design and its arena targets. A design
// with a nil ID is assigned a new one.
func (s *QueryDesignStore) CreateQueryDesign(ctx context.Context, qd model.QueryDesign) (model.QueryDesign, error) {
	if qd.ID == uuid.Nil {
		qd.ID = uuid.New()
	}
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO query_designs (id, account_id, name) VALUES ($1, $2, $3) RETURNING created_at`,
			qd.ID, qd.AccountID, qd.Name,
		).Scan(&qd.CreatedAt); err != nil {
			return err
		}
		for i, a := range qd.Arenas {
			terms := a.Terms
			if terms == nil {
				terms = []string{}
			}
			params := a.Params
			if params == nil {
				params = map[string]any{}
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO query_design_arenas (query_design_id, position, platform_name, terms, params)
				 VALUES ($1, $2, $3, $4, $5)`,
				qd.ID, i, a.PlatformName, terms, params,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return model.QueryDesign{}, fmt.Errorf("%w: query design %s", ErrConflict, qd.ID)
		}
		return model.QueryDesign{}, fmt.Errorf("storage: create query design: %w", err)
	}
	return qd, nil
}

// GetQueryDesign loads a query design with its arena targets in insertion order.
func (s *QueryDesignStore) GetQueryDesign(ctx context.Context, id uuid.UUID) (model.QueryDesign, error) {
	var qd model.QueryDesign
	err := s.db.pool.QueryRow(ctx,
		`SELECT id, account_id, name, created_at FROM query_designs WHERE id = $1`, id,
	).Scan(&qd.ID, &qd.AccountID, &qd.Name, &qd.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueryDesign{}, fmt.Errorf("%w: query design %s", ErrNotFound, id)
		}
		return model.QueryDesign{}, fmt.Errorf("storage: get query design: %w", err)
	}

	rows, err := s.db.pool.Query(ctx,
		`SELECT platform_name, terms, params FROM query_design_arenas
		 WHERE query_design_id = $1 ORDER BY position`, id)
	if err != nil {
		return model.QueryDesign{}, fmt.Errorf("storage: list query design arenas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.ArenaTarget
		if err := rows.Scan(&a.PlatformName, &a.Terms, &a.Params); err != nil {
			return model.QueryDesign{}, fmt.Errorf("storage: scan arena target: %w", err)
		}
		qd.Arenas = append(qd.Arenas, a)
	}
	if err := rows.Err(); err != nil {
		return model.QueryDesign{}, fmt.Errorf("storage: list query design arenas: %w", err)
	}
	return qd, nil
}
