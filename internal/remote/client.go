// Package remote abstracts the authoritative remote store. The sync engine
// only depends on the Client interface; the wire protocol behind it is a
// collaborator detail.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// Entity is a remote record together with its authoritative version.
type Entity struct {
	ID      string          `json:"id"`
	OwnerID string          `json:"owner_id,omitempty"`
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
}

// Client is the remote store collaborator. Every call can fail with a
// distinguishable error class: *TransientError (retry with backoff),
// *PermanentError (no retry), ErrConflict (divergent version) or ErrNotFound.
type Client interface {
	// Create stores a new entity under its client-generated id and returns
	// the stored entity with its initial version. Creating an id that
	// already exists must not produce a duplicate.
	Create(ctx context.Context, e *Entity) (*Entity, error)

	// Update applies data to the entity if baseVersion still matches the
	// remote version, returning the new version.
	Update(ctx context.Context, id string, baseVersion int64, data json.RawMessage) (int64, error)

	// Delete removes the entity if baseVersion still matches.
	Delete(ctx context.Context, id string, baseVersion int64) error

	// Get reads the entity and its current version.
	Get(ctx context.Context, id string) (*Entity, error)

	// List returns entities modified since the given time; a zero time
	// returns everything. Feeds full resync.
	List(ctx context.Context, since time.Time) ([]*Entity, error)
}
