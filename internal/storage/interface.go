// Package storage persists conflict records and their lifecycle event log.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"fitsync/pkg/types"
)

// StoredEvent is one persisted lifecycle event. The payload is the
// serialized event struct; the log is append-only.
type StoredEvent struct {
	ID         int64           `json:"id"`
	ConflictID string          `json:"conflict_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ListOptions filters conflict listings.
type ListOptions struct {
	IncludeResolved bool
	DataType        types.DataType
	Limit           int
}

// ConflictStore persists conflict records keyed by id, with a uniqueness
// guarantee on the conflict hash so concurrent detection of the same
// disagreement converges on one record.
type ConflictStore interface {
	// Upsert inserts the conflict unless a record with the same hash
	// already exists. It returns the stored record and whether this call
	// inserted it; when inserted is false the returned record is the
	// pre-existing one and the caller reconciles against it.
	Upsert(ctx context.Context, c *types.Conflict) (stored *types.Conflict, inserted bool, err error)

	GetByID(ctx context.Context, id string) (*types.Conflict, error)
	GetByHash(ctx context.Context, hash string) (*types.Conflict, error)

	// Update overwrites an existing record. Missing records are an error;
	// records are created only through Upsert.
	Update(ctx context.Context, c *types.Conflict) error

	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*types.Conflict, error)

	// ListUnresolved returns the open backlog across all users, oldest
	// first, for background resolution sweeps.
	ListUnresolved(ctx context.Context) ([]*types.Conflict, error)

	AppendEvent(ctx context.Context, conflictID, eventType string, payload any) error
	GetEvents(ctx context.Context, conflictID string) ([]StoredEvent, error)

	Close() error
}
