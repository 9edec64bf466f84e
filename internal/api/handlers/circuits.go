package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/cfss/internal/app"
	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/store"
)

// CircuitsHandler handles circuit read and delete endpoints.
type CircuitsHandler struct {
	Service *app.Service
}

// List handles GET /api/circuits.
func (h *CircuitsHandler) List(w http.ResponseWriter, r *http.Request) {
	circuits, err := h.Service.CircuitDetails(r.Context())
	if err != nil {
		writeServiceError(w, "circuits: list", err)
		return
	}
	if circuits == nil {
		circuits = []store.Circuit{}
	}
	writeJSON(w, http.StatusOK, ListResponse[store.Circuit]{Items: circuits, Total: len(circuits)})
}

// Get handles GET /api/circuits/{circuit}.
func (h *CircuitsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Service.Circuit(r.Context(), chi.URLParam(r, "circuit"))
	if err != nil {
		writeServiceError(w, "circuits: get", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Delete handles DELETE /api/circuits/{circuit}. With ?remove_source=true
// the source file is removed as well.
func (h *CircuitsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.DeleteCircuit(r.Context(), chi.URLParam(r, "circuit"), parseBool(r, "remove_source"))
	if err != nil {
		writeServiceError(w, "circuits: delete", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Jumpers handles GET /api/circuits/{circuit}/jumpers.
func (h *CircuitsHandler) Jumpers(w http.ResponseWriter, r *http.Request) {
	seqs, err := h.Service.ListJumperSequences(r.Context(), chi.URLParam(r, "circuit"))
	if err != nil {
		writeServiceError(w, "circuits: jumpers", err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[circuit.SequenceID]{Items: seqs, Total: len(seqs)})
}

// Row handles GET /api/circuits/{circuit}/rows/{row}.
func (h *CircuitsHandler) Row(w http.ResponseWriter, r *http.Request) {
	rowID, err := strconv.ParseInt(chi.URLParam(r, "row"), 10, 64)
	if err != nil || rowID < 1 {
		writeError(w, http.StatusBadRequest, "BAD_ROW_ID", "row must be a positive integer")
		return
	}
	rec, err := h.Service.GetRow(r.Context(), chi.URLParam(r, "circuit"), rowID)
	if err != nil {
		writeServiceError(w, "circuits: row", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
