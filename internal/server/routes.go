package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/compound/internal/engine"
	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	stats, err := s.engine.Stats(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	report, err := s.engine.HealthReport(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	entries, err := s.engine.ListEntries(userID, store.ListOptions{
		ContentType: q.Get("content_type"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	entry, err := s.engine.GetEntry(userID, chi.URLParam(r, "entryID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	entryID := chi.URLParam(r, "entryID")
	if err := s.engine.DeleteEntry(r.Context(), userID, entryID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "entry_id": entryID})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req model.IngestRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.engine.Ingest(r.Context(), userID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleBulkIngest(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Entries []model.IngestRequest `json:"entries"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.engine.BulkIngest(r.Context(), userID, req.Entries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if resp.Succeeded == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	removeStale, err := boolParam(q.Get("remove_stale"), "remove_stale")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	merge, err := boolParam(q.Get("merge_duplicates"), "merge_duplicates")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.engine.Compact(r.Context(), userID, engine.CompactOptions{
		RemoveStale:     removeStale,
		MergeDuplicates: merge,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, engine.ValidationError("request", "%s must be an integer", name)
	}
	return n, nil
}

func boolParam(raw, name string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, engine.ValidationError("request", "%s must be a boolean", name)
	}
	return b, nil
}
