package sync

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"task-sync-engine/internal/logger"
	"task-sync-engine/internal/store"
)

// NeedsFullResync reports whether the last completed sync is missing or older
// than the configured window.
func (e *Engine) NeedsFullResync(ctx context.Context) (bool, error) {
	if e.fullResyncAfter <= 0 {
		return false, nil
	}
	last, err := e.LastSyncTime(ctx)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	return time.Since(last) > e.fullResyncAfter, nil
}

// FullResync pulls the remote record set and adopts it into the cache.
// Entities with queued local operations keep their optimistic state; their
// divergence, if any, is settled through the normal drain/conflict path.
func (e *Engine) FullResync(ctx context.Context) error {
	if !e.conn.IsOnline() {
		return nil
	}

	entities, err := e.client.List(ctx, time.Time{})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	adopted := 0
	for _, re := range entities {
		// Any queue entry, including a terminally failed one awaiting
		// manual attention, is unsettled local intent; the entity keeps
		// its local state.
		ops, err := e.store.GetOperationsByEntity(ctx, re.ID)
		if err != nil {
			return err
		}
		if len(ops) > 0 {
			continue
		}

		// A tombstone is never resurrected by a late remote read.
		cached, err := e.store.GetEntity(ctx, re.ID)
		if err != nil {
			return err
		}
		if cached != nil && (cached.IsDeleted || cached.Version >= re.Version) {
			continue
		}

		err = e.store.UpsertEntity(ctx, &store.CachedEntity{
			EntityID:       re.ID,
			OwnerID:        re.OwnerID,
			Data:           re.Data,
			Version:        re.Version,
			LocalUpdatedAt: now,
			SyncedAt:       sql.NullTime{Time: now, Valid: true},
		})
		if err != nil {
			return err
		}
		adopted++
	}

	logger.Log.Info("Full resync complete",
		zap.Int("remote", len(entities)),
		zap.Int("adopted", adopted),
	)
	return nil
}
