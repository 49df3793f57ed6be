package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/workflows"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// HandleProcess handles POST /api/files/process. A proceed decision is
// accepted with 202 and runs in the background; a skip returns 200 and a
// duplicate 409 naming the in-flight record.
func (h *Handler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pipeline.Errorf(pipeline.KindValidation, "process", "invalid request: %v", err))
		return
	}
	if req.Identifier == "" {
		h.writeError(w, pipeline.Errorf(pipeline.KindValidation, "process", "identifier is required"))
		return
	}
	kind, err := resolver.ParseKind(req.IdentifierType)
	if err != nil {
		h.writeError(w, err)
		return
	}

	sub, err := h.runner.Submit(r.Context(), workflows.SubmitRequest{
		Identifier: req.Identifier,
		Kind:       kind,
		ProcessID:  req.ProcessID,
		Force:      req.Force,
	})
	h.writeSubmission(w, sub, err)
}

// HandleReprocess handles POST /api/files/{id}/reprocess
func (h *Handler) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req pipeline.ReprocessRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, pipeline.Errorf(pipeline.KindValidation, "reprocess", "invalid request: %v", err))
			return
		}
	}

	sub, err := h.runner.Reprocess(r.Context(), id, req.Force)
	h.writeSubmission(w, sub, err)
}

// HandleSweep handles POST /api/process, submitting every object under the
// source prefix.
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	resp, err := h.runner.Sweep(r.Context(), h.sweepConcurrency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeSubmission(w http.ResponseWriter, sub *workflows.Submission, err error) {
	switch {
	case sub != nil && sub.Decision == pipeline.DecisionDuplicate:
		resp := sub.Response()
		if resp.Message == "" && err != nil {
			resp.Message = err.Error()
		}
		writeJSON(w, http.StatusConflict, resp)
	case err != nil:
		h.writeError(w, err)
	case sub.Decision == pipeline.DecisionSkip:
		writeJSON(w, http.StatusOK, sub.Response())
	default:
		writeJSON(w, http.StatusAccepted, sub.Response())
	}
}

// statusFor maps an error to its HTTP status code
func statusFor(err error) int {
	switch pipeline.KindOf(err) {
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindPermissionDenied:
		return http.StatusForbidden
	case pipeline.KindDuplicateInFlight, pipeline.KindInvalidState:
		return http.StatusConflict
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, workflows.ErrRunnerClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	} else {
		h.logger.Debug("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, pipeline.ErrorResponse{
		Error: err.Error(),
		Kind:  string(pipeline.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
