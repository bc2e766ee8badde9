package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-engine/internal/config"
	"task-sync-engine/internal/events"
	"task-sync-engine/internal/remote"
	"task-sync-engine/internal/store"
	syncengine "task-sync-engine/internal/sync"
)

type staticConn bool

func (c staticConn) IsOnline() bool { return bool(c) }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	st, err := store.NewSQLStore(config.LocalStoreConfig{
		Driver:   "sqlite3",
		FilePath: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Offline connectivity keeps the triggered drain a no-op; the remote is
	// never reached.
	client := remote.NewHTTPClient(config.RemoteConfig{BaseURL: "http://127.0.0.1:0"})
	engine := syncengine.NewEngine(config.SyncConfig{}, st, client, events.NewBus(), staticConn(false))

	return NewHandler(engine, staticConn(false)).Routes()
}

func doRequest(router http.Handler, method, path, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-User-Role", role)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTriggerSyncChecksPermission(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/sync/trigger", "viewer")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/v1/sync/trigger", "member")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSyncStatusReportsOfflineState(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodGet, "/api/v1/sync/status", "member")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"online":false`)
	assert.Contains(t, rec.Body.String(), `"pending":0`)
}
