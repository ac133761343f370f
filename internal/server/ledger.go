package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tomasbasham/eoa/internal/ledger"
)

type addExclusionsRequest struct {
	ProviderIDs []string `json:"provider_ids"`
	Permanent   bool     `json:"permanent"`

	// Full excludes the providers outright instead of counting one target.
	Full bool `json:"full"`
}

func (s *Server) handleListExclusions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quota, err := intParam(q.Get("quota"), s.opts.TargetsQuota)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if quota <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("quota must be positive, got %d", quota))
		return
	}
	persistence, err := intParam(q.Get("persistence"), s.opts.PersistenceDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if persistence < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("persistence must not be negative, got %d", persistence))
		return
	}
	sweep, err := boolParam(q.Get("sweep"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ex, err := s.ledger.ActiveExclusions(r.Context(), quota, persistence, sweep)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, ex)
}

func (s *Server) handleAddExclusions(w http.ResponseWriter, r *http.Request) {
	var req addExclusionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.ProviderIDs) == 0 {
		writeError(w, http.StatusBadRequest, "provider_ids is required")
		return
	}

	var res ledger.Result
	if req.Full {
		res = s.ledger.FullyExclude(r.Context(), req.ProviderIDs, req.Permanent)
	} else {
		res = s.ledger.Increment(r.Context(), req.ProviderIDs, req.Permanent)
	}
	ok(w, res)
}

func (s *Server) handleResetExclusions(w http.ResponseWriter, r *http.Request) {
	keep, err := boolParam(r.URL.Query().Get("keep_permanent"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.ledger.ResetAll(r.Context(), keep)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, report)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	effective, err := boolParam(r.URL.Query().Get("effective"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var cfg ledger.Config
	if effective {
		cfg, err = s.ledger.EffectiveConfig(r.Context())
	} else {
		cfg, err = s.ledger.GetConfig(r.Context())
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, cfg)
}

func (s *Server) handleGetConfigValue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.ledger.GetConfigValue(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, map[string]any{key: v})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(values) == 0 {
		writeError(w, http.StatusBadRequest, "no config values given")
		return
	}
	ok(w, s.ledger.SetConfig(r.Context(), ledger.Config(values)))
}

func intParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func boolParam(v string, fallback bool) (bool, error) {
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}
