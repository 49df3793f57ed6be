package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

const recordID = "0190a3c2-7b1e-7cc0-8e5f-3d2a1b0c9f8e"

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func TestProcess(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/files/process", r.URL.Path)

		var req pipeline.ProcessRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a.pdf", req.Identifier)

		reply(w, http.StatusAccepted, pipeline.ProcessResponse{
			ProcessID: recordID, SourceKey: "downloads/a.pdf", Decision: "proceed", State: "queued", DedupeSeenCount: 1,
		})
	})

	resp, err := c.Process(context.Background(), pipeline.ProcessRequest{Identifier: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, recordID, resp.ProcessID)
	assert.Equal(t, 1, resp.DedupeSeenCount)
}

func TestProcessDuplicate(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusConflict, pipeline.ProcessResponse{
			SourceKey: "downloads/a.pdf", Decision: "duplicate", State: "processing",
			WinnerID: recordID, Message: "already being processed",
		})
	})

	resp, err := c.Process(context.Background(), pipeline.ProcessRequest{Identifier: "a.pdf"})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, recordID, resp.WinnerID)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, pipeline.KindDuplicateInFlight, apiErr.Kind)
	assert.Equal(t, "already being processed", apiErr.Message)
}

func TestErrorResponses(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files/" + recordID + "/reprocess":
			reply(w, http.StatusConflict, pipeline.ErrorResponse{Error: "record is still processing", Kind: "duplicate_in_flight"})
		case "/api/files/missing.pdf":
			reply(w, http.StatusNotFound, pipeline.ErrorResponse{Error: "no record", Kind: "not_found"})
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	})
	ctx := context.Background()

	resp, err := c.Reprocess(ctx, recordID, false)
	assert.Nil(t, resp)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, pipeline.KindDuplicateInFlight, apiErr.Kind)

	_, err = c.Status(ctx, "missing.pdf", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "no record", apiErr.Message)

	_, err = c.Sweep(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
	assert.Empty(t, apiErr.Kind)
}

func TestQueries(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files":
			assert.Equal(t, "parsed", r.URL.Query().Get("source"))
			assert.Equal(t, "2024-05-01T00:00:00Z", r.URL.Query().Get("since"))
			reply(w, http.StatusOK, []pipeline.FileView{{ID: recordID, Filename: "processed/" + recordID + ".md", Status: "completed"}})
		case "/api/files/status":
			reply(w, http.StatusOK, pipeline.StatusMapResponse{Files: map[string]string{"downloads/a.pdf": "completed"}})
		case "/api/files/nested/report 1.pdf":
			assert.Equal(t, "filename", r.URL.Query().Get("kind"))
			reply(w, http.StatusOK, pipeline.RecordView{ID: recordID, State: "failed"})
		case "/health":
			reply(w, http.StatusOK, map[string]string{"status": "healthy"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	files, err := c.ListFiles(ctx, pipeline.SourceParsed, "2024-05-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, recordID, files[0].ID)

	statuses, err := c.StatusMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, "completed", statuses.Files["downloads/a.pdf"])

	view, err := c.Status(ctx, "nested/report 1.pdf", "filename")
	require.NoError(t, err)
	assert.Equal(t, "failed", view.State)

	require.NoError(t, c.Health(ctx))
}
