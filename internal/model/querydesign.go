package model

import (
	"time"

	"github.com/google/uuid"
)

// QueryDesign is the user-defined collection intent. Atsume treats terms
// and params as opaque; only connectors interpret them.
type QueryDesign struct {
	ID        uuid.UUID     `json:"id"`
	AccountID uuid.UUID     `json:"account_id"` // Credit account charged for runs.
	Name      string        `json:"name"`
	Arenas    []ArenaTarget `json:"arenas"`
	CreatedAt time.Time     `json:"created_at"`
}

// ArenaTarget is one connector a query design collects from.
type ArenaTarget struct {
	PlatformName string         `json:"platform_name"`
	Terms        []string       `json:"terms,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}
