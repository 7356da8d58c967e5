// Handlers for the receipt verification endpoints.

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/scanproof/scanproof-go/internal/pipeline"
	"github.com/scanproof/scanproof-go/internal/store"
)

// maxUploadBytes bounds the multipart form kept in memory during intake.
const maxUploadBytes = 32 << 20

// handleScanReceipt accepts a receipt image and starts its verification job.
// The response carries only the job id; the outcome is delivered through the
// job record and the progress websocket.
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Missing 'file' upload")
		return
	}
	defer file.Close()

	submitterID := r.FormValue("submitter_id")

	jobID, err := s.app.Pipeline().Submit(r.Context(), header.Filename, file, submitterID)
	if err != nil {
		// Intake failure: no job was created, tell the submitter now.
		RespondWithError(w, http.StatusInternalServerError, "Failed to store the uploaded receipt")
		return
	}

	RespondWithJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

// handleGetReceipt returns the current job record. Callers may see the
// "processing" state until the background task finishes.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.app.Pipeline().Get(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			RespondWithError(w, http.StatusNotFound, "Receipt not found")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, "Failed to load receipt")
		return
	}
	RespondWithJSON(w, http.StatusOK, job)
}

// handleGetReceiptSidecar returns the heavy forensic artifacts for a
// completed job.
func (s *Server) handleGetReceiptSidecar(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	sidecar, err := s.store.GetSidecar(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			RespondWithError(w, http.StatusNotFound, "Sidecar not found")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, "Failed to load sidecar")
		return
	}
	RespondWithJSON(w, http.StatusOK, sidecar)
}

// handleAnchorReceipt triggers ledger anchoring for a completed job. It is
// idempotent: anchoring an already-anchored job succeeds without touching the
// ledger again.
func (s *Server) handleAnchorReceipt(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.app.Pipeline().AnchorJob(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			RespondWithError(w, http.StatusNotFound, "Receipt not found")
		case errors.Is(err, pipeline.ErrNotCompleted):
			RespondWithError(w, http.StatusConflict, "Receipt verification has not completed")
		case errors.Is(err, pipeline.ErrAnchoringDisabled):
			RespondWithError(w, http.StatusServiceUnavailable, "Ledger anchoring is not configured")
		default:
			RespondWithError(w, http.StatusBadGateway, "Ledger anchoring failed, try again later")
		}
		return
	}
	RespondWithJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, map[string]string{"version": s.app.Version()})
}
