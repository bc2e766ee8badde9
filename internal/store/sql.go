package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"task-sync-engine/internal/config"
	"task-sync-engine/internal/logger"
)

const schemaVersion = "1"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_operations (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id       TEXT NOT NULL,
    kind            TEXT NOT NULL,
    payload         TEXT NOT NULL,
    base_version    INTEGER,
    enqueued_at     DATETIME NOT NULL,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 5,
    status          TEXT NOT NULL DEFAULT 'pending',
    next_attempt_at DATETIME,
    last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_ops_status ON pending_operations(status, id);
CREATE INDEX IF NOT EXISTS idx_pending_ops_entity ON pending_operations(entity_id, id);

CREATE TABLE IF NOT EXISTS cached_entities (
    entity_id        TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    data             TEXT NOT NULL,
    version          INTEGER NOT NULL,
    local_updated_at DATETIME NOT NULL,
    synced_at        DATETIME,
    is_deleted       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cached_entities_owner ON cached_entities(owner_id);

CREATE TABLE IF NOT EXISTS conflict_records (
    id              TEXT PRIMARY KEY,
    entity_id       TEXT NOT NULL,
    local_snapshot  TEXT NOT NULL,
    remote_snapshot TEXT NOT NULL,
    detected_at     DATETIME NOT NULL,
    resolved        INTEGER NOT NULL DEFAULT 0,
    resolution      TEXT,
    resolved_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflict_records(entity_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflict_records(resolved);

CREATE TABLE IF NOT EXISTS metadata (
    meta_key   TEXT PRIMARY KEY,
    meta_value TEXT NOT NULL
);
`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS pending_operations (
    id              BIGINT AUTO_INCREMENT PRIMARY KEY,
    entity_id       VARCHAR(64) NOT NULL,
    kind            VARCHAR(16) NOT NULL,
    payload         JSON NOT NULL,
    base_version    BIGINT,
    enqueued_at     DATETIME(6) NOT NULL,
    retry_count     INT NOT NULL DEFAULT 0,
    max_retries     INT NOT NULL DEFAULT 5,
    status          VARCHAR(16) NOT NULL DEFAULT 'pending',
    next_attempt_at DATETIME(6),
    last_error      TEXT,
    INDEX idx_pending_ops_status (status, id),
    INDEX idx_pending_ops_entity (entity_id, id)
);

CREATE TABLE IF NOT EXISTS cached_entities (
    entity_id        VARCHAR(64) PRIMARY KEY,
    owner_id         VARCHAR(64) NOT NULL,
    data             JSON NOT NULL,
    version          BIGINT NOT NULL,
    local_updated_at DATETIME(6) NOT NULL,
    synced_at        DATETIME(6),
    is_deleted       BOOLEAN NOT NULL DEFAULT FALSE,
    INDEX idx_cached_entities_owner (owner_id)
);

CREATE TABLE IF NOT EXISTS conflict_records (
    id              VARCHAR(64) PRIMARY KEY,
    entity_id       VARCHAR(64) NOT NULL,
    local_snapshot  JSON NOT NULL,
    remote_snapshot JSON NOT NULL,
    detected_at     DATETIME(6) NOT NULL,
    resolved        BOOLEAN NOT NULL DEFAULT FALSE,
    resolution      VARCHAR(16),
    resolved_at     DATETIME(6),
    INDEX idx_conflicts_entity (entity_id),
    INDEX idx_conflicts_resolved (resolved)
);

CREATE TABLE IF NOT EXISTS metadata (
    meta_key   VARCHAR(128) PRIMARY KEY,
    meta_value TEXT NOT NULL
);
`

type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens the local store and applies the schema. The driver is
// selected by config: sqlite3 for the on-device default, mysql as an
// alternative backend.
func NewSQLStore(cfg config.LocalStoreConfig) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case "", "sqlite3":
		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		db, err = sql.Open("sqlite3", cfg.FilePath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		// Concurrent writers on one sqlite handle serialize in the driver.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(sqliteSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
		}

	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql store: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping mysql store: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		if _, err := db.Exec(mysqlSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply mysql schema: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported local store driver %q", cfg.Driver)
	}

	s := &SQLStore{db: db}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}

	recovered, err := s.RecoverInFlight(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Log.Warn("Re-queued operations left in flight by a previous run",
			zap.Int64("count", recovered))
	}

	logger.Log.Info("Opened local store",
		zap.String("driver", cfg.Driver),
		zap.String("path", cfg.FilePath),
	)

	return s, nil
}

func (s *SQLStore) checkSchemaVersion() error {
	ctx := context.Background()
	v, err := s.GetMetadata(ctx, MetaSchemaVersion)
	if err != nil {
		return err
	}
	if v == "" {
		return s.SetMetadata(ctx, MetaSchemaVersion, schemaVersion)
	}
	if v != schemaVersion {
		return fmt.Errorf("store schema version mismatch: have %s, want %s", v, schemaVersion)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// execTx runs fn inside a transaction.
func (s *SQLStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) EnqueueOperation(ctx context.Context, op *PendingOperation) error {
	if op.Status == "" {
		op.Status = StatusPending
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = 5
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	query := `INSERT INTO pending_operations (entity_id, kind, payload, base_version, enqueued_at, retry_count, max_retries, status, next_attempt_at, last_error)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		op.EntityID,
		op.Kind,
		string(op.Payload),
		op.BaseVersion,
		op.EnqueuedAt,
		op.RetryCount,
		op.MaxRetries,
		op.Status,
		op.NextAttemptAt,
		op.LastError,
	)
	if err != nil {
		return storageErr("insert", "pending_operations", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("insert", "pending_operations", err)
	}
	op.ID = id

	return nil
}

const opColumns = `id, entity_id, kind, payload, base_version, enqueued_at, retry_count, max_retries, status, next_attempt_at, last_error`

func scanOperation(row interface{ Scan(...any) error }) (*PendingOperation, error) {
	var (
		op      PendingOperation
		payload string
	)
	err := row.Scan(
		&op.ID,
		&op.EntityID,
		&op.Kind,
		&payload,
		&op.BaseVersion,
		&op.EnqueuedAt,
		&op.RetryCount,
		&op.MaxRetries,
		&op.Status,
		&op.NextAttemptAt,
		&op.LastError,
	)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	return &op, nil
}

func (s *SQLStore) GetOperation(ctx context.Context, id int64) (*PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations WHERE id = ?`

	op, err := scanOperation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("select", "pending_operations", err)
	}
	return op, nil
}

func (s *SQLStore) queryOperations(ctx context.Context, query string, args ...any) ([]*PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("select", "pending_operations", err)
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageErr("scan", "pending_operations", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("select", "pending_operations", err)
	}

	return ops, nil
}

// GetPendingOperations returns all pending entries in global FIFO order.
// Queue ids are assigned monotonically on insert, so ordering by id is
// ordering by enqueue time.
func (s *SQLStore) GetPendingOperations(ctx context.Context) ([]*PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations WHERE status = ? ORDER BY id ASC`
	return s.queryOperations(ctx, query, StatusPending)
}

func (s *SQLStore) GetOperationsByEntity(ctx context.Context, entityID string) ([]*PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations WHERE entity_id = ? ORDER BY id ASC`
	return s.queryOperations(ctx, query, entityID)
}

func (s *SQLStore) ListFailedOperations(ctx context.Context) ([]*PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations WHERE status = ? ORDER BY id ASC`
	return s.queryOperations(ctx, query, StatusFailed)
}

func (s *SQLStore) MarkProcessing(ctx context.Context, id int64) error {
	query := `UPDATE pending_operations SET status = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, query, StatusProcessing, id, StatusPending)
	if err != nil {
		return storageErr("update", "pending_operations", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("update", "pending_operations", fmt.Errorf("operation %d is not pending", id))
	}
	return nil
}

func (s *SQLStore) RescheduleOperation(ctx context.Context, id int64, retryCount int, nextAttempt time.Time, lastError string) error {
	query := `UPDATE pending_operations
			  SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?
			  WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query, StatusPending, retryCount, nextAttempt, lastError, id)
	return storageErr("update", "pending_operations", err)
}

func (s *SQLStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	query := `UPDATE pending_operations SET status = ?, last_error = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query, StatusFailed, lastError, id)
	return storageErr("update", "pending_operations", err)
}

// RequeueOperation moves a terminal failed entry back to pending with a fresh
// retry budget. This is the explicit re-enqueue path; failed entries are never
// retried automatically.
func (s *SQLStore) RequeueOperation(ctx context.Context, id int64) error {
	query := `UPDATE pending_operations
			  SET status = ?, retry_count = 0, next_attempt_at = NULL, last_error = NULL
			  WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, query, StatusPending, id, StatusFailed)
	if err != nil {
		return storageErr("update", "pending_operations", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("update", "pending_operations", fmt.Errorf("operation %d is not failed", id))
	}
	return nil
}

// RecoverInFlight resets entries stuck in processing back to pending. A row
// can only be left processing by a crash between claiming and settling, or by
// a store failure while settling; resetting it makes re-running the drain the
// whole recovery story.
func (s *SQLStore) RecoverInFlight(ctx context.Context) (int64, error) {
	query := `UPDATE pending_operations SET status = ? WHERE status = ?`

	res, err := s.db.ExecContext(ctx, query, StatusPending, StatusProcessing)
	if err != nil {
		return 0, storageErr("update", "pending_operations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) DeleteOperation(ctx context.Context, id int64) error {
	query := `DELETE FROM pending_operations WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query, id)
	return storageErr("delete", "pending_operations", err)
}

func (s *SQLStore) CountPending(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM pending_operations WHERE status IN (?, ?)`

	var count int
	err := s.db.QueryRowContext(ctx, query, StatusPending, StatusProcessing).Scan(&count)
	if err != nil {
		return 0, storageErr("select", "pending_operations", err)
	}
	return count, nil
}

func (s *SQLStore) UpsertEntity(ctx context.Context, e *CachedEntity) error {
	// Portable upsert: update first, insert when nothing matched.
	return storageErr("upsert", "cached_entities", s.execTx(ctx, func(tx *sql.Tx) error {
		update := `UPDATE cached_entities
				   SET owner_id = ?, data = ?, version = ?, local_updated_at = ?, synced_at = ?, is_deleted = ?
				   WHERE entity_id = ?`

		res, err := tx.ExecContext(ctx, update,
			e.OwnerID, string(e.Data), e.Version, e.LocalUpdatedAt, e.SyncedAt, e.IsDeleted, e.EntityID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		insert := `INSERT INTO cached_entities (entity_id, owner_id, data, version, local_updated_at, synced_at, is_deleted)
				   VALUES (?, ?, ?, ?, ?, ?, ?)`

		_, err = tx.ExecContext(ctx, insert,
			e.EntityID, e.OwnerID, string(e.Data), e.Version, e.LocalUpdatedAt, e.SyncedAt, e.IsDeleted)
		return err
	}))
}

const entityColumns = `entity_id, owner_id, data, version, local_updated_at, synced_at, is_deleted`

func scanEntity(row interface{ Scan(...any) error }) (*CachedEntity, error) {
	var (
		e    CachedEntity
		data string
	)
	err := row.Scan(
		&e.EntityID,
		&e.OwnerID,
		&data,
		&e.Version,
		&e.LocalUpdatedAt,
		&e.SyncedAt,
		&e.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	e.Data = []byte(data)
	return &e, nil
}

func (s *SQLStore) GetEntity(ctx context.Context, entityID string) (*CachedEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM cached_entities WHERE entity_id = ?`

	e, err := scanEntity(s.db.QueryRowContext(ctx, query, entityID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("select", "cached_entities", err)
	}
	return e, nil
}

// ListEntities returns non-tombstoned entities, optionally filtered by owner.
func (s *SQLStore) ListEntities(ctx context.Context, ownerID string) ([]*CachedEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM cached_entities WHERE is_deleted = ?`
	args := []any{false}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY entity_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("select", "cached_entities", err)
	}
	defer rows.Close()

	var entities []*CachedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, storageErr("scan", "cached_entities", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("select", "cached_entities", err)
	}

	return entities, nil
}

func (s *SQLStore) MarkSynced(ctx context.Context, entityID string, version int64, syncedAt time.Time) error {
	query := `UPDATE cached_entities SET version = ?, synced_at = ? WHERE entity_id = ?`

	_, err := s.db.ExecContext(ctx, query, version, syncedAt, entityID)
	return storageErr("update", "cached_entities", err)
}

// PurgeEntity physically removes a cache row. Only valid once a tombstoned
// delete has been confirmed by the remote store.
func (s *SQLStore) PurgeEntity(ctx context.Context, entityID string) error {
	query := `DELETE FROM cached_entities WHERE entity_id = ?`

	_, err := s.db.ExecContext(ctx, query, entityID)
	return storageErr("delete", "cached_entities", err)
}

func (s *SQLStore) CreateConflict(ctx context.Context, c *ConflictRecord) error {
	query := `INSERT INTO conflict_records (id, entity_id, local_snapshot, remote_snapshot, detected_at, resolved, resolution, resolved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.EntityID,
		string(c.LocalSnapshot),
		string(c.RemoteSnapshot),
		c.DetectedAt,
		c.Resolved,
		c.Resolution,
		c.ResolvedAt,
	)
	return storageErr("insert", "conflict_records", err)
}

const conflictColumns = `id, entity_id, local_snapshot, remote_snapshot, detected_at, resolved, resolution, resolved_at`

func scanConflict(row interface{ Scan(...any) error }) (*ConflictRecord, error) {
	var (
		c             ConflictRecord
		local, remote string
	)
	err := row.Scan(
		&c.ID,
		&c.EntityID,
		&local,
		&remote,
		&c.DetectedAt,
		&c.Resolved,
		&c.Resolution,
		&c.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.LocalSnapshot = []byte(local)
	c.RemoteSnapshot = []byte(remote)
	return &c, nil
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE id = ?`

	c, err := scanConflict(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("select", "conflict_records", err)
	}
	return c, nil
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE resolved = ? ORDER BY detected_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, resolved, limit, offset)
	if err != nil {
		return nil, storageErr("select", "conflict_records", err)
	}
	defer rows.Close()

	var conflicts []*ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, storageErr("scan", "conflict_records", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("select", "conflict_records", err)
	}

	return conflicts, nil
}

func (s *SQLStore) MarkConflictResolved(ctx context.Context, id string, resolution Resolution, resolvedAt time.Time) error {
	query := `UPDATE conflict_records SET resolved = ?, resolution = ?, resolved_at = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query, true, string(resolution), resolvedAt, id)
	return storageErr("update", "conflict_records", err)
}

func (s *SQLStore) GetMetadata(ctx context.Context, key string) (string, error) {
	query := `SELECT meta_value FROM metadata WHERE meta_key = ?`

	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storageErr("select", "metadata", err)
	}
	return value, nil
}

func (s *SQLStore) SetMetadata(ctx context.Context, key, value string) error {
	return storageErr("upsert", "metadata", s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE metadata SET meta_value = ? WHERE meta_key = ?`, value, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO metadata (meta_key, meta_value) VALUES (?, ?)`, key, value)
		return err
	}))
}
