package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/cfss/internal/app"
	"github.com/eargollo/cfss/internal/importer"
	"github.com/eargollo/cfss/internal/scheduler"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Service *app.Service
	Manager *importer.Manager
	Sched   *scheduler.Scheduler
	Version string
}

type statusResponse struct {
	Version      string              `json:"version"`
	Circuits     int                 `json:"circuits"`
	ActiveImport *importResponse     `json:"active_import"`
	LastImport   *lastImportInfo     `json:"last_import"`
	Schedule     []scheduler.JobInfo `json:"schedule"`
}

type lastImportInfo struct {
	FinishedAt      string `json:"finished_at"`
	Files           int    `json:"files"`
	Skipped         int    `json:"skipped"`
	Failed          int    `json:"failed"`
	ResultsMigrated int    `json:"results_migrated"`
	Error           string `json:"error,omitempty"`
}

// ServeHTTP returns the system status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Version: h.Version, Schedule: []scheduler.JobInfo{}}

	ids, err := h.Service.ListCircuits(r.Context())
	if err != nil {
		slog.Error("status: list circuits", "error", err)
	}
	resp.Circuits = len(ids)

	if h.Manager != nil {
		if a := h.Manager.Active(); a != nil {
			ir := newImportResponse(a, "running")
			resp.ActiveImport = &ir
		}
		resp.LastImport = lastImport(h.Manager)
	}
	if h.Sched != nil {
		resp.Schedule = h.Sched.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

func lastImport(m *importer.Manager) *lastImportInfo {
	sum, err := m.Last()
	if sum == nil {
		return nil
	}
	info := &lastImportInfo{
		FinishedAt: sum.FinishedAt.UTC().Format(time.RFC3339),
		Files:      len(sum.Files),
	}
	for _, f := range sum.Files {
		switch {
		case f.Error != "":
			info.Failed++
		case f.Skipped:
			info.Skipped++
		case f.Report != nil:
			info.ResultsMigrated += f.Report.Migrated
		}
	}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}
