package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// OperationKind identifies the type of a queued mutation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// OperationStatus is the queue-entry lifecycle state. Succeeded entries are
// deleted rather than kept, so there is no terminal "succeeded" value.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusFailed     OperationStatus = "failed"
)

// Resolution is an explicit conflict-resolution decision.
type Resolution string

const (
	KeepLocal  Resolution = "keep_local"
	KeepRemote Resolution = "keep_remote"
	Merge      Resolution = "merge"
)

// PendingOperation is one entry in the offline write queue. Payload carries
// the full record for create/update and just the entity id for delete.
type PendingOperation struct {
	ID            int64           `db:"id"`
	EntityID      string          `db:"entity_id"`
	Kind          OperationKind   `db:"kind"`
	Payload       json.RawMessage `db:"payload"`
	BaseVersion   sql.NullInt64   `db:"base_version"` // null for create
	EnqueuedAt    time.Time       `db:"enqueued_at"`
	RetryCount    int             `db:"retry_count"`
	MaxRetries    int             `db:"max_retries"`
	Status        OperationStatus `db:"status"`
	NextAttemptAt sql.NullTime    `db:"next_attempt_at"`
	LastError     sql.NullString  `db:"last_error"`
}

// CachedEntity is the locally cached copy of a remote record. IsDeleted is a
// tombstone kept until the remote delete is confirmed.
type CachedEntity struct {
	EntityID       string          `db:"entity_id"`
	OwnerID        string          `db:"owner_id"`
	Data           json.RawMessage `db:"data"`
	Version        int64           `db:"version"`
	LocalUpdatedAt time.Time       `db:"local_updated_at"`
	SyncedAt       sql.NullTime    `db:"synced_at"`
	IsDeleted      bool            `db:"is_deleted"`
}

type ConflictRecord struct {
	ID             string          `db:"id"`
	EntityID       string          `db:"entity_id"`
	LocalSnapshot  json.RawMessage `db:"local_snapshot"`
	RemoteSnapshot json.RawMessage `db:"remote_snapshot"`
	DetectedAt     time.Time       `db:"detected_at"`
	Resolved       bool            `db:"resolved"`
	Resolution     sql.NullString  `db:"resolution"`
	ResolvedAt     sql.NullTime    `db:"resolved_at"`
}

// Metadata keys used by the sync engine.
const (
	MetaLastSyncTime  = "lastSyncTime"
	MetaSchemaVersion = "schemaVersion"
)
