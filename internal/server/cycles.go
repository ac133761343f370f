package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomasbasham/eoa/internal/cycle"
)

// createUploadResponse is returned immediately from POST .../uploads.
type createUploadResponse struct {
	CycleID string      `json:"cycle_id"`
	State   cycle.State `json:"state"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	// The operator may configure a server-wide timeout; otherwise every
	// request must name one.
	timeout := s.opts.UploadTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", v))
			return
		}
		timeout = d
	}
	if timeout <= 0 {
		writeError(w, http.StatusBadRequest, "timeout is required")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes))
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "dataset body is empty")
		return
	}

	// The cycle outlives this request; StartUpload detaches it from the
	// request context.
	id, err := s.sessions.StartUpload(r.Context(), session, cycle.Dataset{Name: name, Data: data}, timeout)
	if err != nil {
		writeErr(w, err)
		return
	}

	accepted(w, createUploadResponse{CycleID: id, State: cycle.StateIdle})
}

func (s *Server) handleCurrentCycle(w http.ResponseWriter, r *http.Request) {
	c, err := s.sessions.Current(chi.URLParam(r, "session"))
	if err != nil {
		writeErr(w, err)
		return
	}
	c, err = s.sessions.PollStatus(r.Context(), c.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, c)
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	c, err := s.sessions.PollStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, c)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.sessions.FetchResult(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	contentType := "application/octet-stream"
	if c, err := s.sessions.PollStatus(r.Context(), id); err == nil && c.Result != nil && c.Result.ContentType != "" {
		contentType = c.Result.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
