package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"task-sync-engine/internal/authz"
	"task-sync-engine/internal/store"
	syncengine "task-sync-engine/internal/sync"
)

type Connectivity interface {
	IsOnline() bool
}

type Handler struct {
	engine *syncengine.Engine
	conn   Connectivity
}

func NewHandler(engine *syncengine.Engine, conn Connectivity) *Handler {
	return &Handler{
		engine: engine,
		conn:   conn,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync/status", h.SyncStatus)
		r.Post("/sync/trigger", h.TriggerSync)

		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Put("/tasks/{id}", h.UpdateTask)
		r.Delete("/tasks/{id}", h.DeleteTask)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/operations/failed", h.ListFailedOperations)
		r.Post("/operations/{id}/retry", h.RetryOperation)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// actor extracts the acting user from request headers. Authentication itself
// is an upstream concern; these headers arrive from the session layer.
func actor(r *http.Request) syncengine.Actor {
	return syncengine.Actor{
		UserID: r.Header.Get("X-User-ID"),
		Role:   authz.Role(r.Header.Get("X-User-Role")),
	}
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.PendingCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	failed, err := h.engine.FailedOperations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	lastSync, err := h.engine.LastSyncTime(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"online":       h.conn.IsOnline(),
		"pending":      pending,
		"failed":       len(failed),
		"lastSyncTime": lastSync,
	})
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !authz.HasPermission(a.Role, authz.PermSyncTrigger) {
		writeError(w, fmt.Errorf("%w: role %s cannot trigger sync", syncengine.ErrPermissionDenied, a.Role))
		return
	}

	// Detached from the request context: the drain outlives the response.
	go h.engine.Drain(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.engine.ListTasks(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.engine.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(data) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	a := actor(r)
	task, err := h.engine.Create(r.Context(), a, a.UserID, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(data) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	task, err := h.engine.Update(r.Context(), actor(r), chi.URLParam(r, "id"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	conflicts, err := h.engine.Conflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string          `json:"resolution"`
		Merged     json.RawMessage `json:"merged,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	err := h.engine.ResolveConflict(r.Context(), actor(r), chi.URLParam(r, "id"),
		store.Resolution(req.Resolution), req.Merged)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) ListFailedOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.engine.FailedOperations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) RetryOperation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid operation id", http.StatusBadRequest)
		return
	}

	if err := h.engine.RetryFailed(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncengine.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, syncengine.ErrEntityNotFound),
		errors.Is(err, syncengine.ErrConflictNotFound):
		status = http.StatusNotFound
	case errors.Is(err, syncengine.ErrConflictAlreadyResolved):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-User-ID, X-User-Role")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}
