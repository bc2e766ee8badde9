package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync-engine/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewHTTPClient(config.RemoteConfig{
		BaseURL:   srv.URL,
		AuthToken: "test-token",
		Timeout:   "2s",
	})
	return client, srv
}

func TestCreateSendsAuthAndDecodesEntity(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path

		var e Entity
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		e.Version = 1
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&e)
	}))

	created, err := client.Create(context.Background(), &Entity{
		ID:      "t1",
		OwnerID: "u1",
		Data:    json.RawMessage(`{"title":"write report"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/tasks", gotPath)
	assert.Equal(t, "t1", created.ID)
	assert.Equal(t, int64(1), created.Version)
}

func TestUpdateSendsBaseVersion(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			BaseVersion int64           `json:"base_version"`
			Data        json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(3), body.BaseVersion)
		assert.Equal(t, "/api/v1/tasks/t1", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]int64{"version": 4})
	}))

	version, err := client.Update(context.Background(), "t1", 3, json.RawMessage(`{"status":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
}

func TestDeletePassesBaseVersionQuery(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "2", r.URL.Query().Get("base_version"))
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.Delete(context.Background(), "t1", 2))
}

func TestListSendsSinceParam(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode([]*Entity{{ID: "t1", Version: 1}})
	}))

	entities, err := client.List(context.Background(), mustParseTime(t, "2026-01-02T15:04:05Z"))
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "t1", entities[0].ID)
}

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"conflict", http.StatusConflict, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrConflict)
		}},
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNotFound)
		}},
		{"rate limited", http.StatusTooManyRequests, func(t *testing.T, err error) {
			assert.True(t, IsTransient(err))
		}},
		{"server error", http.StatusInternalServerError, func(t *testing.T, err error) {
			assert.True(t, IsTransient(err))
		}},
		{"forbidden", http.StatusForbidden, func(t *testing.T, err error) {
			assert.True(t, IsPermanent(err))
		}},
		{"validation", http.StatusUnprocessableEntity, func(t *testing.T, err error) {
			assert.True(t, IsPermanent(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))

			_, err := client.Get(context.Background(), "t1")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := client.Get(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	var transient *TransientError
	assert.True(t, errors.As(err, &transient))
}
