// Package sync implements the offline-first synchronization engine: the
// optimistic local write path, the single-flight queue drain against the
// remote store, and conflict detection/resolution.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"task-sync-engine/internal/authz"
	"task-sync-engine/internal/config"
	"task-sync-engine/internal/events"
	"task-sync-engine/internal/logger"
	"task-sync-engine/internal/remote"
	"task-sync-engine/internal/store"
)

var (
	// ErrPermissionDenied is returned when the authorization oracle rejects
	// a mutation. Rejected mutations are never enqueued.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrEntityNotFound is returned for writes against an unknown or
	// tombstoned entity.
	ErrEntityNotFound = errors.New("entity not found")
)

// Actor identifies the user issuing a local write.
type Actor struct {
	UserID string
	Role   authz.Role
}

// Connectivity is the subset of the connectivity monitor the engine needs.
type Connectivity interface {
	IsOnline() bool
}

// Engine owns the pending-operation queue. Local writes are applied
// optimistically to the cache and appended to the queue on the caller's
// goroutine; Drain reconciles the queue with the remote store.
type Engine struct {
	store    store.Store
	client   remote.Client
	bus      *events.Bus
	conn     Connectivity
	resolver *Resolver

	baseDelay       time.Duration
	maxDelay        time.Duration
	maxRetries      int
	fullResyncAfter time.Duration

	mu       sync.Mutex
	draining bool
}

func NewEngine(cfg config.SyncConfig, st store.Store, client remote.Client, bus *events.Bus, conn Connectivity) *Engine {
	baseDelay := cfg.GetBaseDelay()
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := cfg.GetMaxDelay()
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	return &Engine{
		store:           st,
		client:          client,
		bus:             bus,
		conn:            conn,
		resolver:        NewResolver(st, bus),
		baseDelay:       baseDelay,
		maxDelay:        maxDelay,
		maxRetries:      maxRetries,
		fullResyncAfter: cfg.GetFullResyncAfter(),
	}
}

// Create applies an optimistic create and queues it for the remote store.
// The entity id is generated client-side so replaying the create after a
// crash cannot produce a duplicate.
func (e *Engine) Create(ctx context.Context, actor Actor, ownerID string, data json.RawMessage) (*store.CachedEntity, error) {
	if !authz.HasPermission(actor.Role, authz.PermTaskCreate) {
		return nil, fmt.Errorf("%w: role %s cannot create tasks", ErrPermissionDenied, actor.Role)
	}

	now := time.Now().UTC()
	entity := &store.CachedEntity{
		EntityID:       uuid.NewString(),
		OwnerID:        ownerID,
		Data:           data,
		Version:        1,
		LocalUpdatedAt: now,
	}

	if err := e.store.UpsertEntity(ctx, entity); err != nil {
		return nil, err
	}

	op := &store.PendingOperation{
		EntityID:   entity.EntityID,
		Kind:       store.OpCreate,
		Payload:    data,
		MaxRetries: e.maxRetries,
	}
	if err := e.store.EnqueueOperation(ctx, op); err != nil {
		return nil, err
	}

	e.bus.Publish(events.Event{Type: events.PendingCountChanged, Delta: 1})
	return entity, nil
}

// Update applies an optimistic update. The queued operation records the
// version the edit was derived from; the cached version is bumped locally.
func (e *Engine) Update(ctx context.Context, actor Actor, entityID string, data json.RawMessage) (*store.CachedEntity, error) {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if entity == nil || entity.IsDeleted {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if !authz.CanEdit(actor.Role, entity.OwnerID, actor.UserID) {
		return nil, fmt.Errorf("%w: role %s cannot edit task %s", ErrPermissionDenied, actor.Role, entityID)
	}

	baseVersion := entity.Version
	entity.Data = data
	entity.Version++
	entity.LocalUpdatedAt = time.Now().UTC()
	entity.SyncedAt = sql.NullTime{}

	if err := e.store.UpsertEntity(ctx, entity); err != nil {
		return nil, err
	}

	op := &store.PendingOperation{
		EntityID:    entityID,
		Kind:        store.OpUpdate,
		Payload:     data,
		BaseVersion: sql.NullInt64{Int64: baseVersion, Valid: true},
		MaxRetries:  e.maxRetries,
	}
	if err := e.store.EnqueueOperation(ctx, op); err != nil {
		return nil, err
	}

	e.bus.Publish(events.Event{Type: events.PendingCountChanged, Delta: 1})
	return entity, nil
}

// Delete tombstones the cached entity and queues the remote delete. The row
// is only purged once the remote confirms.
func (e *Engine) Delete(ctx context.Context, actor Actor, entityID string) error {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if entity == nil || entity.IsDeleted {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if !authz.CanDelete(actor.Role, entity.OwnerID, actor.UserID) {
		return fmt.Errorf("%w: role %s cannot delete task %s", ErrPermissionDenied, actor.Role, entityID)
	}

	baseVersion := entity.Version
	entity.IsDeleted = true
	entity.LocalUpdatedAt = time.Now().UTC()
	entity.SyncedAt = sql.NullTime{}

	if err := e.store.UpsertEntity(ctx, entity); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"id": entityID})
	op := &store.PendingOperation{
		EntityID:    entityID,
		Kind:        store.OpDelete,
		Payload:     payload,
		BaseVersion: sql.NullInt64{Int64: baseVersion, Valid: true},
		MaxRetries:  e.maxRetries,
	}
	if err := e.store.EnqueueOperation(ctx, op); err != nil {
		return err
	}

	e.bus.Publish(events.Event{Type: events.PendingCountChanged, Delta: 1})
	return nil
}

func (e *Engine) GetTask(ctx context.Context, entityID string) (*store.CachedEntity, error) {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if entity == nil || entity.IsDeleted {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return entity, nil
}

func (e *Engine) ListTasks(ctx context.Context, ownerID string) ([]*store.CachedEntity, error) {
	return e.store.ListEntities(ctx, ownerID)
}

func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.CountPending(ctx)
}

func (e *Engine) FailedOperations(ctx context.Context) ([]*store.PendingOperation, error) {
	return e.store.ListFailedOperations(ctx)
}

// RetryFailed re-enqueues a terminal failed entry with a fresh retry budget.
func (e *Engine) RetryFailed(ctx context.Context, id int64) error {
	if err := e.store.RequeueOperation(ctx, id); err != nil {
		return err
	}
	e.bus.Publish(events.Event{Type: events.PendingCountChanged, Delta: 1})
	return nil
}

func (e *Engine) LastSyncTime(ctx context.Context) (time.Time, error) {
	raw, err := e.store.GetMetadata(ctx, store.MetaLastSyncTime)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt lastSyncTime metadata: %w", err)
	}
	return t, nil
}

type applyResult int

const (
	applied applyResult = iota
	deferred
	conflicted
	terminal
)

// Drain processes the pending queue against the remote store. Only one drain
// runs at a time; a request while one is in flight is coalesced into a no-op.
// Entries queued mid-drain are invisible to the running pass and picked up on
// the next trigger.
func (e *Engine) Drain(ctx context.Context) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		logger.Log.Debug("Drain already in flight, coalescing")
		return
	}
	e.draining = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	if !e.conn.IsOnline() {
		logger.Log.Debug("Offline, skipping drain")
		return
	}

	e.bus.Publish(events.Event{Type: events.SyncStarted})

	// No drain is running, so any processing row is an orphan from a crash
	// or a failed settle. Reset it so this pass picks it up.
	if recovered, err := e.store.RecoverInFlight(ctx); err != nil {
		logger.Log.Error("Failed to recover in-flight operations", zap.Error(err))
	} else if recovered > 0 {
		logger.Log.Warn("Re-queued orphaned in-flight operations", zap.Int64("count", recovered))
	}

	ops, err := e.store.GetPendingOperations(ctx)
	if err != nil {
		logger.Log.Error("Failed to read pending queue", zap.Error(err))
		e.bus.Publish(events.Event{Type: events.SyncFailed, Reason: err.Error()})
		return
	}

	// Global FIFO with a per-entity blocked set: once an entry for an
	// entity defers, fails or conflicts, every later entry for that entity
	// is skipped for the rest of the pass so enqueue order is preserved.
	blocked := make(map[string]bool)
	synced := 0
	now := time.Now().UTC()

	for _, op := range ops {
		// Going offline mid-pass stops the loop before the next entry;
		// the in-flight remote call is never cancelled.
		if !e.conn.IsOnline() {
			logger.Log.Info("Went offline mid-drain, stopping pass")
			break
		}
		if blocked[op.EntityID] {
			continue
		}
		if op.NextAttemptAt.Valid && op.NextAttemptAt.Time.After(now) {
			blocked[op.EntityID] = true
			continue
		}

		if err := e.store.MarkProcessing(ctx, op.ID); err != nil {
			logger.Log.Error("Failed to mark operation processing",
				zap.Int64("opID", op.ID), zap.Error(err))
			blocked[op.EntityID] = true
			continue
		}

		switch e.apply(ctx, op) {
		case applied:
			synced++
		default:
			blocked[op.EntityID] = true
		}
	}

	if err := e.store.SetMetadata(ctx, store.MetaLastSyncTime, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		logger.Log.Error("Failed to record last sync time", zap.Error(err))
	}

	logger.Log.Info("Drain pass complete",
		zap.Int("synced", synced),
		zap.Int("queued", len(ops)),
	)
	e.bus.Publish(events.Event{Type: events.SyncCompleted, SyncedCount: synced})
}

// apply pushes a single queue entry to the remote store and settles its
// queue state. Failures are absorbed into entry state, never returned.
func (e *Engine) apply(ctx context.Context, op *store.PendingOperation) applyResult {
	// Optimistic-concurrency check against the version read immediately
	// before the write.
	if op.BaseVersion.Valid {
		current, err := e.client.Get(ctx, op.EntityID)
		switch {
		case err == nil:
			if c := e.resolver.Detect(op, current); c != nil {
				return e.recordConflict(ctx, op, c)
			}
		case errors.Is(err, remote.ErrNotFound):
			if op.Kind == store.OpDelete {
				// Already gone remotely; the delete is confirmed.
				return e.settleSuccess(ctx, op, 0)
			}
			// Local edit against a remotely deleted entity.
			return e.recordConflict(ctx, op, e.resolver.missingRemoteConflict(op))
		default:
			return e.settleFailure(ctx, op, err)
		}
	}

	var (
		newVersion int64
		err        error
	)
	switch op.Kind {
	case store.OpCreate:
		var created *remote.Entity
		created, err = e.client.Create(ctx, &remote.Entity{ID: op.EntityID, Data: op.Payload})
		if err == nil {
			newVersion = created.Version
		} else if errors.Is(err, remote.ErrConflict) {
			// The id already exists: this create was applied before a
			// crash wiped the dequeue. Adopt the remote version.
			current, getErr := e.client.Get(ctx, op.EntityID)
			switch {
			case getErr == nil:
				newVersion, err = current.Version, nil
			case errors.Is(getErr, remote.ErrNotFound):
				err = &remote.TransientError{Err: fmt.Errorf("entity %s vanished after duplicate-create answer", op.EntityID)}
			default:
				err = getErr
			}
		}
	case store.OpUpdate:
		newVersion, err = e.client.Update(ctx, op.EntityID, op.BaseVersion.Int64, op.Payload)
	case store.OpDelete:
		err = e.client.Delete(ctx, op.EntityID, op.BaseVersion.Int64)
		if errors.Is(err, remote.ErrNotFound) {
			err = nil
		}
	default:
		err = &remote.PermanentError{Err: fmt.Errorf("unknown operation kind %q", op.Kind)}
	}

	if err == nil {
		return e.settleSuccess(ctx, op, newVersion)
	}

	if errors.Is(err, remote.ErrConflict) {
		// The version moved between the pre-check and the write. A conflict
		// record needs the real remote snapshot: when the follow-up read
		// fails the entry stays queued so a later pass re-detects it,
		// instead of recording a fabricated remote-delete.
		current, getErr := e.client.Get(ctx, op.EntityID)
		switch {
		case getErr == nil:
			if c := e.resolver.Detect(op, current); c != nil {
				return e.recordConflict(ctx, op, c)
			}
			// The remote settled back onto the base version; retry the
			// write on a later pass.
			return e.settleFailure(ctx, op, &remote.TransientError{Err: fmt.Errorf("conflicting write against entity %s at its base version", op.EntityID)})
		case errors.Is(getErr, remote.ErrNotFound):
			return e.recordConflict(ctx, op, e.resolver.missingRemoteConflict(op))
		default:
			return e.settleFailure(ctx, op, getErr)
		}
	}

	return e.settleFailure(ctx, op, err)
}

func (e *Engine) settleSuccess(ctx context.Context, op *store.PendingOperation, newVersion int64) applyResult {
	if err := e.store.DeleteOperation(ctx, op.ID); err != nil {
		logger.Log.Error("Failed to dequeue applied operation",
			zap.Int64("opID", op.ID), zap.Error(err))
		return terminal
	}

	now := time.Now().UTC()
	switch op.Kind {
	case store.OpDelete:
		if err := e.store.PurgeEntity(ctx, op.EntityID); err != nil {
			logger.Log.Error("Failed to purge tombstone",
				zap.String("entityID", op.EntityID), zap.Error(err))
		}
	default:
		if err := e.store.MarkSynced(ctx, op.EntityID, newVersion, now); err != nil {
			logger.Log.Error("Failed to mark entity synced",
				zap.String("entityID", op.EntityID), zap.Error(err))
		}
	}

	e.bus.Publish(events.Event{Type: events.PendingCountChanged, Delta: -1})
	return applied
}

func (e *Engine) settleFailure(ctx context.Context, op *store.PendingOperation, cause error) applyResult {
	if remote.IsTransient(cause) {
		retryCount := op.RetryCount + 1
		if retryCount >= op.MaxRetries {
			logger.Log.Warn("Operation exhausted retries",
				zap.Int64("opID", op.ID),
				zap.String("entityID", op.EntityID),
				zap.Error(cause))
			if err := e.store.MarkFailed(ctx, op.ID, cause.Error()); err != nil {
				logger.Log.Error("Failed to mark operation failed", zap.Int64("opID", op.ID), zap.Error(err))
			}
			return terminal
		}

		nextAttempt := time.Now().UTC().Add(e.backoff(retryCount))
		logger.Log.Info("Transient remote failure, rescheduling",
			zap.Int64("opID", op.ID),
			zap.Int("retryCount", retryCount),
			zap.Time("nextAttempt", nextAttempt),
			zap.Error(cause))
		if err := e.store.RescheduleOperation(ctx, op.ID, retryCount, nextAttempt, cause.Error()); err != nil {
			logger.Log.Error("Failed to reschedule operation", zap.Int64("opID", op.ID), zap.Error(err))
		}
		return deferred
	}

	// Permanent rejection: no retry, surfaced for manual attention.
	logger.Log.Warn("Permanent remote failure",
		zap.Int64("opID", op.ID),
		zap.String("entityID", op.EntityID),
		zap.Error(cause))
	if err := e.store.MarkFailed(ctx, op.ID, cause.Error()); err != nil {
		logger.Log.Error("Failed to mark operation failed", zap.Int64("opID", op.ID), zap.Error(err))
	}
	return terminal
}

func (e *Engine) recordConflict(ctx context.Context, op *store.PendingOperation, c *store.ConflictRecord) applyResult {
	if err := e.resolver.Record(ctx, op, c); err != nil {
		logger.Log.Error("Failed to record conflict",
			zap.Int64("opID", op.ID),
			zap.String("entityID", op.EntityID),
			zap.Error(err))
		return terminal
	}
	return conflicted
}

// backoff computes the exponential retry delay for the Nth retry, capped at
// the configured maximum.
func (e *Engine) backoff(retryCount int) time.Duration {
	delay := e.baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= e.maxDelay {
			return e.maxDelay
		}
	}
	return delay
}
