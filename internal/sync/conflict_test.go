package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-engine/internal/authz"
	"task-sync-engine/internal/remote"
	"task-sync-engine/internal/store"
)

func TestResolverDetect(t *testing.T) {
	r := NewResolver(nil, nil)

	noBase := &store.PendingOperation{EntityID: "t1", Kind: store.OpCreate, Payload: []byte(`{}`)}
	assert.Nil(t, r.Detect(noBase, &remote.Entity{ID: "t1", Version: 9}))

	op := &store.PendingOperation{
		EntityID:    "t1",
		Kind:        store.OpUpdate,
		Payload:     []byte(`{"status":"completed"}`),
		BaseVersion: sql.NullInt64{Int64: 1, Valid: true},
	}

	assert.Nil(t, r.Detect(op, &remote.Entity{ID: "t1", Version: 1}))

	c := r.Detect(op, &remote.Entity{ID: "t1", Version: 2, Data: []byte(`{"status":"open"}`)})
	require.NotNil(t, c)
	assert.Equal(t, "t1", c.EntityID)
	assert.NotEmpty(t, c.ID)
	assert.JSONEq(t, `{"status":"completed"}`, string(c.LocalSnapshot))
	assert.False(t, c.Resolved)

	// Remote deletion under a local edit is also divergence.
	c = r.Detect(op, nil)
	require.NotNil(t, c)
	assert.Equal(t, json.RawMessage("null"), c.RemoteSnapshot)
}

// driveConflict seeds a diverged update and drains it into a conflict record.
func driveConflict(t *testing.T, fx *fixture) *store.ConflictRecord {
	t.Helper()
	ctx := context.Background()
	seed(t, fx.store, fx.remote, "t1", "u1", 1, `{"status":"open"}`)

	_, err := fx.engine.Update(ctx, member, "t1", []byte(`{"status":"completed"}`))
	require.NoError(t, err)
	fx.remote.entities["t1"].Version = 2
	fx.remote.entities["t1"].Data = []byte(`{"status":"blocked"}`)

	fx.engine.Drain(ctx)

	conflicts, err := fx.store.ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	return conflicts[0]
}

func TestResolveRequiresPermission(t *testing.T) {
	fx := newFixture(t)
	c := driveConflict(t, fx)

	err := fx.engine.ResolveConflict(context.Background(),
		Actor{UserID: "u1", Role: authz.RoleMember}, c.ID, store.KeepRemote, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestResolveKeepRemoteAdoptsSnapshot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	c := driveConflict(t, fx)

	require.NoError(t, fx.engine.ResolveConflict(ctx, manager, c.ID, store.KeepRemote, nil))

	cached, err := fx.store.GetEntity(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.JSONEq(t, `{"status":"blocked"}`, string(cached.Data))
	assert.Equal(t, int64(2), cached.Version)
	assert.True(t, cached.SyncedAt.Valid)

	// Nothing re-enqueued, record settled.
	count, err := fx.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := fx.store.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, string(store.KeepRemote), got.Resolution.String)

	// Resolving twice is rejected.
	err = fx.engine.ResolveConflict(ctx, manager, c.ID, store.KeepRemote, nil)
	assert.ErrorIs(t, err, ErrConflictAlreadyResolved)
}

func TestResolveKeepLocalReenqueuesRebasedUpdate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	c := driveConflict(t, fx)

	require.NoError(t, fx.engine.ResolveConflict(ctx, manager, c.ID, store.KeepLocal, nil))

	ops, err := fx.store.GetPendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpUpdate, ops[0].Kind)
	require.True(t, ops[0].BaseVersion.Valid)
	assert.Equal(t, int64(2), ops[0].BaseVersion.Int64)
	assert.JSONEq(t, `{"status":"completed"}`, string(ops[0].Payload))

	// The rebased operation now applies cleanly.
	fx.engine.Drain(ctx)
	assert.Equal(t, int64(3), fx.remote.entities["t1"].Version)
	assert.JSONEq(t, `{"status":"completed"}`, string(fx.remote.entities["t1"].Data))
}

func TestResolveMergeEnqueuesMergedPayload(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	c := driveConflict(t, fx)

	// Merge without a payload is invalid.
	require.Error(t, fx.engine.ResolveConflict(ctx, manager, c.ID, store.Merge, nil))

	merged := json.RawMessage(`{"status":"completed","note":"merged"}`)
	require.NoError(t, fx.engine.ResolveConflict(ctx, manager, c.ID, store.Merge, merged))

	ops, err := fx.store.GetPendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.JSONEq(t, string(merged), string(ops[0].Payload))
	assert.Equal(t, int64(2), ops[0].BaseVersion.Int64)
}

func TestResolveKeepLocalAfterRemoteDeleteRecreates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	seed(t, fx.store, fx.remote, "t1", "u1", 1, `{"status":"open"}`)

	_, err := fx.engine.Update(ctx, member, "t1", []byte(`{"status":"completed"}`))
	require.NoError(t, err)
	// Remote side deleted the entity entirely.
	delete(fx.remote.entities, "t1")

	fx.engine.Drain(ctx)

	conflicts, err := fx.store.ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, json.RawMessage("null"), json.RawMessage(conflicts[0].RemoteSnapshot))

	require.NoError(t, fx.engine.ResolveConflict(ctx, manager, conflicts[0].ID, store.KeepLocal, nil))

	ops, err := fx.store.GetPendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpCreate, ops[0].Kind)
	assert.False(t, ops[0].BaseVersion.Valid)

	fx.engine.Drain(ctx)
	require.Contains(t, fx.remote.entities, "t1")
	assert.JSONEq(t, `{"status":"completed"}`, string(fx.remote.entities["t1"].Data))
}

func TestResolveUnknownConflict(t *testing.T) {
	fx := newFixture(t)
	err := fx.engine.ResolveConflict(context.Background(), manager, "nope", store.KeepRemote, nil)
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestDeleteConflictSnapshotsCachedRecord(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	seed(t, fx.store, fx.remote, "t1", "u1", 1, `{"status":"open"}`)

	require.NoError(t, fx.engine.Delete(ctx, manager, "t1"))
	// Concurrent remote edit bumps the version under the queued delete.
	fx.remote.entities["t1"].Version = 2

	fx.engine.Drain(ctx)

	conflicts, err := fx.store.ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	// The local snapshot is the cached record, not the bare delete payload.
	assert.JSONEq(t, `{"status":"open"}`, string(conflicts[0].LocalSnapshot))
}
