package server

import (
	"context"
	"net/http"

	"github.com/lazypower/compound/internal/model"
)

// Defaults applied when a retrieve body omits the field.
const (
	defaultMaxTokens  = 2000
	defaultMaxSources = 5
)

// retrieveBody distinguishes an absent max_tokens from an explicit zero,
// which is rejected.
type retrieveBody struct {
	Query        string   `json:"query"`
	MaxTokens    *int     `json:"max_tokens"`
	MaxSources   *int     `json:"max_sources"`
	Format       string   `json:"format"`
	ContentTypes []string `json:"content_types"`
	RecencyDays  int      `json:"recency_days"`
	MinRelevance float64  `json:"min_relevance"`
	IncludeVoice *bool    `json:"include_voice_profile"`
}

func (b retrieveBody) request() model.RetrieveRequest {
	req := model.RetrieveRequest{
		Query:        b.Query,
		MaxTokens:    defaultMaxTokens,
		MaxSources:   defaultMaxSources,
		Format:       b.Format,
		ContentTypes: b.ContentTypes,
		RecencyDays:  b.RecencyDays,
		MinRelevance: b.MinRelevance,

		IncludeVoiceProfile: b.IncludeVoice,
	}
	if b.MaxTokens != nil {
		req.MaxTokens = *b.MaxTokens
	}
	if b.MaxSources != nil {
		req.MaxSources = *b.MaxSources
	}
	return req
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var body retrieveBody
	if !s.decode(w, r, &body) {
		return
	}

	ctx := r.Context()
	if timeout := s.RetrieveTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := s.engine.Retrieve(ctx, userID, body.request())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result.Partial {
		s.logger.Warn("retrieval returned partial context", "user_id", userID, "included", result.SourcesIncluded)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	voice, err := s.engine.VoiceContext(userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voice)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
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

	entryID := q.Get("entry_id")
	suggestions, err := s.engine.Suggest(r.Context(), userID, entryID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id":    entryID,
		"suggestions": suggestions,
	})
}
