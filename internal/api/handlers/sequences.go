package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/eargollo/cfss/internal/app"
	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/progress"
)

// SequencesHandler handles jumper sequence reads and scan actions.
type SequencesHandler struct {
	Service *app.Service
	// LockWait bounds how long a scan action waits behind a rebuild of the
	// same circuit. Zero waits for as long as the request lives.
	LockWait time.Duration
}

type sequenceResponse struct {
	Sequence circuit.SequenceID `json:"sequence"`
	Entries  []app.Entry        `json:"entries"`
}

func (h *SequencesHandler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	if h.LockWait <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.LockWait)
}

// action runs fn for the sequence named in the URL and writes its result.
func (h *SequencesHandler) action(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, seq circuit.SequenceID) (interface{}, error)) {
	seq, err := sequenceParam(r)
	if err != nil {
		writeServiceError(w, op, err)
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	out, err := fn(ctx, seq)
	if err != nil {
		writeServiceError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /api/sequences/{seq}: the ordered entries with endpoints
// and results.
func (h *SequencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "sequences: get", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		entries, err := h.Service.Entries(ctx, seq)
		if err != nil {
			return nil, err
		}
		return sequenceResponse{Sequence: seq, Entries: entries}, nil
	})
}

// Progress handles GET /api/sequences/{seq}/progress.
func (h *SequencesHandler) Progress(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "sequences: progress", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		return h.Service.Progress(ctx, seq)
	})
}

type recordRequest struct {
	Result  *progress.Result `json:"result"`
	Advance bool             `json:"advance"`
}

// Record handles POST /api/sequences/{seq}/record with a body of
// {"result": true|false|"reason", "advance": bool}.
func (h *SequencesHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeBody(r, &req); err != nil || req.Result == nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", `body must be {"result": true|false|"reason"}`)
		return
	}
	h.action(w, r, "sequences: record", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		return h.Service.Record(ctx, seq, *req.Result, req.Advance)
	})
}

type verifyRequest struct {
	Serial string `json:"serial"`
}

// Verify handles POST /api/sequences/{seq}/verify.
func (h *SequencesHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil || req.Serial == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", `body must be {"serial": "..."}`)
		return
	}
	h.action(w, r, "sequences: verify", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		return h.Service.Verify(ctx, seq, req.Serial)
	})
}

// Advance handles POST /api/sequences/{seq}/advance.
func (h *SequencesHandler) Advance(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "sequences: advance", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		return h.Service.Advance(ctx, seq)
	})
}

// Retreat handles POST /api/sequences/{seq}/retreat.
func (h *SequencesHandler) Retreat(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "sequences: retreat", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		return h.Service.Retreat(ctx, seq)
	})
}

type seekRequest struct {
	Index *int `json:"index"`
}

// Seek handles POST /api/sequences/{seq}/seek.
func (h *SequencesHandler) Seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := decodeBody(r, &req); err != nil || req.Index == nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", `body must be {"index": n}`)
		return
	}
	h.action(w, r, "sequences: seek", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		return h.Service.Seek(ctx, seq, *req.Index)
	})
}

type searchRequest struct {
	Query string `json:"query"`
}

// Search handles POST /api/sequences/{seq}/search.
func (h *SequencesHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", `body must be {"query": "..."}`)
		return
	}
	h.action(w, r, "sequences: search", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		return h.Service.Search(ctx, seq, req.Query)
	})
}

// Reset handles DELETE /api/sequences/{seq}/progress.
func (h *SequencesHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "sequences: reset", func(ctx context.Context, seq circuit.SequenceID) (interface{}, error) {
		return h.Service.ResetOne(ctx, seq)
	})
}

// ResetAll handles DELETE /api/progress.
func (h *SequencesHandler) ResetAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	if err := h.Service.ResetAll(ctx); err != nil {
		writeServiceError(w, "progress: reset all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
