package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/cfss/internal/app"
	"github.com/eargollo/cfss/internal/backup"
	"github.com/eargollo/cfss/internal/importer"
	"github.com/eargollo/cfss/internal/store"
)

// ImportsHandler handles import and migration history endpoints.
type ImportsHandler struct {
	Manager *importer.Manager
	Service *app.Service
	Backups *backup.Manager
}

type importResponse struct {
	ID          string                     `json:"id"`
	Status      string                     `json:"status"`
	StartedAt   time.Time                  `json:"started_at"`
	TriggeredBy string                     `json:"triggered_by"`
	Force       bool                       `json:"force"`
	Progress    *importer.ProgressSnapshot `json:"progress,omitempty"`
}

func newImportResponse(a *importer.ActiveImport, status string) importResponse {
	resp := importResponse{
		ID:          a.ID,
		Status:      status,
		StartedAt:   a.StartedAt.UTC(),
		TriggeredBy: a.TriggeredBy,
		Force:       a.Force,
	}
	if a.Progress != nil {
		snap := a.Progress.Snapshot()
		resp.Progress = &snap
	}
	return resp
}

// Create handles POST /api/imports. ?force=true rebuilds every circuit even
// when its source is unchanged.
func (h *ImportsHandler) Create(w http.ResponseWriter, r *http.Request) {
	active, err := h.Manager.Start(context.Background(), "manual", parseBool(r, "force"))
	if err != nil {
		if errors.Is(err, importer.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "IMPORT_ALREADY_RUNNING", "An import is already in progress")
			return
		}
		slog.Error("imports: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start import")
		return
	}
	writeJSON(w, http.StatusAccepted, newImportResponse(active, "running"))
}

// Current handles GET /api/imports/current.
func (h *ImportsHandler) Current(w http.ResponseWriter, r *http.Request) {
	active := h.Manager.Active()
	if active == nil {
		writeError(w, http.StatusNotFound, "NO_ACTIVE_IMPORT", "No import is currently running")
		return
	}
	writeJSON(w, http.StatusOK, newImportResponse(active, "running"))
}

// Cancel handles DELETE /api/imports/current.
func (h *ImportsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Cancel()
	if err != nil {
		if errors.Is(err, importer.ErrNoActiveImport) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_IMPORT", "No import is currently running")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newImportResponse(snap, "cancelled"))
}

// Last handles GET /api/imports/last.
func (h *ImportsHandler) Last(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Manager.Last()
	if sum == nil {
		writeError(w, http.StatusNotFound, "NO_IMPORT", "No import has finished yet")
		return
	}
	resp := struct {
		*importer.Summary
		Error string `json:"error,omitempty"`
	}{Summary: sum}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Migrations handles GET /api/migrations?circuit=&limit=.
func (h *ImportsHandler) Migrations(w http.ResponseWriter, r *http.Request) {
	events, err := h.Service.MigrationEvents(r.Context(), r.URL.Query().Get("circuit"), parseLimit(r, 50))
	if err != nil {
		writeServiceError(w, "migrations: list", err)
		return
	}
	if events == nil {
		events = []store.MigrationEvent{}
	}
	writeJSON(w, http.StatusOK, ListResponse[store.MigrationEvent]{Items: events, Total: len(events)})
}

// ListBackups handles GET /api/backups.
func (h *ImportsHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	if h.Backups == nil {
		writeJSON(w, http.StatusOK, ListResponse[backup.Artifact]{Items: []backup.Artifact{}})
		return
	}
	items, err := h.Backups.List()
	if err != nil {
		writeServiceError(w, "backups: list", err)
		return
	}
	if items == nil {
		items = []backup.Artifact{}
	}
	writeJSON(w, http.StatusOK, ListResponse[backup.Artifact]{Items: items, Total: len(items)})
}
