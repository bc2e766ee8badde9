package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"task-sync-engine/internal/authz"
	"task-sync-engine/internal/events"
	"task-sync-engine/internal/logger"
	"task-sync-engine/internal/remote"
	"task-sync-engine/internal/store"
)

var (
	ErrConflictNotFound        = errors.New("conflict record not found")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
)

// Resolver detects divergence between a queued operation and the
// authoritative remote state and records it. It never auto-resolves:
// resolution is an explicit later decision.
type Resolver struct {
	store store.Store
	bus   *events.Bus
}

func NewResolver(st store.Store, bus *events.Bus) *Resolver {
	return &Resolver{store: st, bus: bus}
}

// Detect compares the operation's base version with the remote version
// fetched immediately before applying the write. Returns nil when the
// operation can be applied safely.
func (r *Resolver) Detect(op *store.PendingOperation, current *remote.Entity) *store.ConflictRecord {
	if !op.BaseVersion.Valid {
		return nil
	}
	if current == nil {
		return r.missingRemoteConflict(op)
	}
	if current.Version == op.BaseVersion.Int64 {
		return nil
	}

	remoteSnapshot, _ := json.Marshal(current)
	return &store.ConflictRecord{
		ID:             uuid.New().String(),
		EntityID:       op.EntityID,
		LocalSnapshot:  op.Payload,
		RemoteSnapshot: remoteSnapshot,
		DetectedAt:     time.Now().UTC(),
	}
}

// missingRemoteConflict records a local edit colliding with a remote delete.
func (r *Resolver) missingRemoteConflict(op *store.PendingOperation) *store.ConflictRecord {
	return &store.ConflictRecord{
		ID:             uuid.New().String(),
		EntityID:       op.EntityID,
		LocalSnapshot:  op.Payload,
		RemoteSnapshot: json.RawMessage("null"),
		DetectedAt:     time.Now().UTC(),
	}
}

// Record persists the conflict, removes the originating queue entry so it is
// not blindly retried against stale assumptions, and publishes the detection.
func (r *Resolver) Record(ctx context.Context, op *store.PendingOperation, c *store.ConflictRecord) error {
	// A delete carries only the entity id; snapshot the cached record so
	// the reviewer sees what was locally deleted.
	if op.Kind == store.OpDelete {
		if cached, err := r.store.GetEntity(ctx, op.EntityID); err == nil && cached != nil {
			c.LocalSnapshot = cached.Data
		}
	}

	if err := r.store.CreateConflict(ctx, c); err != nil {
		return err
	}
	if err := r.store.DeleteOperation(ctx, op.ID); err != nil {
		return err
	}

	logger.Log.Warn("Conflict detected",
		zap.String("conflictID", c.ID),
		zap.String("entityID", c.EntityID),
		zap.Int64("opID", op.ID),
	)
	r.bus.Publish(events.Event{Type: events.ConflictDetected, EntityID: c.EntityID})
	r.bus.Publish(events.Event{Type: events.PendingCountChanged, Delta: -1})
	return nil
}

func (e *Engine) Conflicts(ctx context.Context, resolved bool, limit, offset int) ([]*store.ConflictRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListConflicts(ctx, resolved, limit, offset)
}

// ResolveConflict applies an explicit resolution decision:
//
//   - KeepRemote adopts the remote snapshot into the cache (or purges the
//     entity if the remote side deleted it).
//   - KeepLocal re-enqueues the local intent rebased on the current remote
//     version: an update or create of the local snapshot, or a delete when
//     the cached entity is tombstoned.
//   - Merge enqueues the caller-supplied merged payload the same way.
//
// KeepLocal and Merge produce a new pending operation; nothing is applied to
// the remote store inside this call.
func (e *Engine) ResolveConflict(ctx context.Context, actor Actor, conflictID string, resolution store.Resolution, merged json.RawMessage) error {
	if !authz.HasPermission(actor.Role, authz.PermConflictResolve) {
		return fmt.Errorf("%w: role %s cannot resolve conflicts", ErrPermissionDenied, actor.Role)
	}

	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if c.Resolved {
		return fmt.Errorf("%w: %s", ErrConflictAlreadyResolved, conflictID)
	}

	switch resolution {
	case store.KeepRemote:
		if err := e.adoptRemoteSnapshot(ctx, c); err != nil {
			return err
		}
	case store.KeepLocal:
		if err := e.reenqueueLocal(ctx, c, c.LocalSnapshot); err != nil {
			return err
		}
	case store.Merge:
		if len(merged) == 0 {
			return errors.New("merge resolution requires merged payload")
		}
		if err := e.reenqueueLocal(ctx, c, merged); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := e.store.MarkConflictResolved(ctx, conflictID, resolution, time.Now().UTC()); err != nil {
		return err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("conflictID", conflictID),
		zap.String("entityID", c.EntityID),
		zap.String("resolution", string(resolution)),
	)
	return nil
}

func (e *Engine) adoptRemoteSnapshot(ctx context.Context, c *store.ConflictRecord) error {
	var snapshot *remote.Entity
	if err := json.Unmarshal(c.RemoteSnapshot, &snapshot); err != nil {
		return fmt.Errorf("corrupt remote snapshot on conflict %s: %w", c.ID, err)
	}

	if snapshot == nil {
		// Remote side deleted the entity; drop the local copy too.
		return e.store.PurgeEntity(ctx, c.EntityID)
	}

	now := time.Now().UTC()
	return e.store.UpsertEntity(ctx, &store.CachedEntity{
		EntityID:       c.EntityID,
		OwnerID:        snapshot.OwnerID,
		Data:           snapshot.Data,
		Version:        snapshot.Version,
		LocalUpdatedAt: now,
		SyncedAt:       sql.NullTime{Time: now, Valid: true},
	})
}

func (e *Engine) reenqueueLocal(ctx context.Context, c *store.ConflictRecord, payload json.RawMessage) error {
	cached, err := e.store.GetEntity(ctx, c.EntityID)
	if err != nil {
		return err
	}

	var snapshot *remote.Entity
	if err := json.Unmarshal(c.RemoteSnapshot, &snapshot); err != nil {
		return fmt.Errorf("corrupt remote snapshot on conflict %s: %w", c.ID, err)
	}

	op := &store.PendingOperation{
		EntityID:   c.EntityID,
		Payload:    payload,
		MaxRetries: e.maxRetries,
	}

	switch {
	case snapshot == nil:
		// Remote deleted the entity; keeping local means recreating it.
		op.Kind = store.OpCreate
	case cached != nil && cached.IsDeleted:
		op.Kind = store.OpDelete
		op.BaseVersion = sql.NullInt64{Int64: snapshot.Version, Valid: true}
	default:
		op.Kind = store.OpUpdate
		op.BaseVersion = sql.NullInt64{Int64: snapshot.Version, Valid: true}
	}

	if err := e.store.EnqueueOperation(ctx, op); err != nil {
		return err
	}

	e.bus.Publish(events.Event{Type: events.PendingCountChanged, Delta: 1})
	return nil
}
