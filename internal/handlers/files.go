package handlers

import (
	"net/http"

	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// HandleList handles GET /api/files?source=bucket|parsed&since=<id|timestamp>
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := q.Get("since")

	var (
		files []pipeline.FileView
		err   error
	)
	switch source := q.Get("source"); source {
	case "", pipeline.SourceBucket:
		files, err = h.lister.ListSource(r.Context(), since)
	case pipeline.SourceParsed:
		files, err = h.lister.ListProcessed(r.Context(), since)
	default:
		err = pipeline.Errorf(pipeline.KindValidation, "list", "unknown source %q", source)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// HandleStatusMap handles GET /api/files/status
func (h *Handler) HandleStatusMap(w http.ResponseWriter, r *http.Request) {
	resp, err := h.lister.StatusMap(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus handles GET /api/files/{identifier}?kind=id|filename
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	kind, err := resolver.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.lister.Status(r.Context(), r.PathValue("identifier"), kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
