package store

import (
	"context"
	"time"
)

// Store is the local persistent store backing the sync engine: the pending
// operation queue, the entity cache, conflict records and engine metadata.
// Each call is an independent transaction; there is no cross-call atomicity.
type Store interface {
	// Pending operations
	EnqueueOperation(ctx context.Context, op *PendingOperation) error
	GetOperation(ctx context.Context, id int64) (*PendingOperation, error)
	GetPendingOperations(ctx context.Context) ([]*PendingOperation, error)
	GetOperationsByEntity(ctx context.Context, entityID string) ([]*PendingOperation, error)
	ListFailedOperations(ctx context.Context) ([]*PendingOperation, error)
	MarkProcessing(ctx context.Context, id int64) error
	RescheduleOperation(ctx context.Context, id int64, retryCount int, nextAttempt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	RequeueOperation(ctx context.Context, id int64) error
	RecoverInFlight(ctx context.Context) (int64, error)
	DeleteOperation(ctx context.Context, id int64) error
	CountPending(ctx context.Context) (int, error)

	// Cached entities
	UpsertEntity(ctx context.Context, e *CachedEntity) error
	GetEntity(ctx context.Context, entityID string) (*CachedEntity, error)
	ListEntities(ctx context.Context, ownerID string) ([]*CachedEntity, error)
	MarkSynced(ctx context.Context, entityID string, version int64, syncedAt time.Time) error
	PurgeEntity(ctx context.Context, entityID string) error

	// Conflicts
	CreateConflict(ctx context.Context, c *ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id string, resolution Resolution, resolvedAt time.Time) error

	// Metadata
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error

	Close() error
}
