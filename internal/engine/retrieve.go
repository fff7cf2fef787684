package engine

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lazypower/compound/internal/index"
	"github.com/lazypower/compound/internal/metrics"
	"github.com/lazypower/compound/internal/model"
)

// MaxQueryLength bounds retrieval queries, in characters.
const MaxQueryLength = 1000

type candidate struct {
	entry *model.Entry
	vec   []float32
	rank  float64
}

// Retrieve assembles a token-budgeted context for query from the user's
// memory. An unknown user yields an empty context, not an error. If ctx
// expires mid-way the best result computed so far is returned with Partial set.
func (e *Engine) Retrieve(ctx context.Context, userID string, req model.RetrieveRequest) (*model.RetrievedContext, error) {
	const op = "retrieve"
	start := time.Now()

	format, types, err := validateRetrieve(userID, req)
	if err != nil {
		return nil, err
	}
	t := e.Tunables()

	out := &model.RetrievedContext{Query: req.Query, Sources: []model.ContextSource{}}
	finish := func() *model.RetrievedContext {
		out.SourcesIncluded = len(out.Sources)
		out.RetrievalTimeMS = time.Since(start).Milliseconds()
		metrics.RecordRetrieval(time.Since(start), out.SourcesIncluded, out.Partial)
		return out
	}

	vec, err := e.Embedder.Embed(ctx, req.Query)
	if err != nil {
		if ctx.Err() != nil {
			out.Partial = true
			return finish(), nil
		}
		return nil, IndexingError(op, err)
	}

	k := max(req.MaxSources*t.Oversample, t.MinCandidates)

	lock := e.userLock(userID)
	lock.RLock()
	matches, err := e.Index.Search(ctx, userID, vec, k)
	if err != nil {
		lock.RUnlock()
		if ctx.Err() != nil {
			out.Partial = true
			return finish(), nil
		}
		return nil, IndexingError(op, err)
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.EntryID
	}
	entries, err := e.DB.GetEntries(userID, ids)
	now := e.now()
	lock.RUnlock()
	if err != nil {
		return nil, InternalError(op, err)
	}
	out.SourcesConsidered = len(matches)

	var scored []candidate
	for _, m := range matches {
		if ctx.Err() != nil {
			out.Partial = true
			break
		}
		ent, ok := entries[m.EntryID]
		if !ok {
			continue
		}
		if !acceptCandidate(ent, m, types, req, now) {
			continue
		}
		decay := Decay(ent, now, t.Decay)
		scored = append(scored, candidate{
			entry: ent,
			vec:   m.Embedding,
			rank:  t.SimilarityWeight*m.Similarity + t.DecayWeight*decay,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].rank != scored[j].rank {
			return scored[i].rank > scored[j].rank
		}
		return scored[i].entry.ID < scored[j].entry.ID
	})

	selected := selectDistinct(scored, req.MaxSources, t.DuplicateThreshold)
	sources := make([]model.ContextSource, len(selected))
	for i, c := range selected {
		sources[i] = model.ContextSource{
			EntryID:        c.entry.ID,
			Title:          c.entry.Title,
			ContentType:    c.entry.ContentType,
			RelevanceScore: c.rank,
			Excerpt:        Excerpt(c.entry.Content, req.Query),
			SourceURL:      c.entry.SourceURL,
		}
	}

	text, tokens, included := Assemble(sources, req.MaxTokens, format)
	out.Sources = included
	out.ContextText = text
	out.TokenCount = tokens

	if len(included) > 0 {
		accessed := make([]string, len(included))
		for i, s := range included {
			accessed[i] = s.EntryID
		}
		lock.Lock()
		touched, err := e.DB.RecordAccess(userID, accessed, e.now())
		lock.Unlock()
		if err != nil {
			return nil, InternalError(op, err)
		}
		// Entries deleted or merged since the snapshot drop out.
		if len(touched) < len(included) {
			out.Sources, out.ContextText, out.TokenCount = reassemble(included, touched, req.MaxTokens, format)
		}
	}

	if !req.WantsVoice() {
		return finish(), nil
	}
	p, err := e.DB.GetVoiceProfile(userID)
	if err != nil {
		return nil, InternalError(op, err)
	}
	if p != nil && p.SampleSize > 0 && p.Confidence >= t.VoiceThreshold {
		summary := Summarize(p)
		out.VoiceSummary = &summary
	}

	return finish(), nil
}

func reassemble(included []model.ContextSource, live []string, maxTokens int, format model.Format) ([]model.ContextSource, string, int) {
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	kept := make([]model.ContextSource, 0, len(live))
	for _, s := range included {
		if alive[s.EntryID] {
			kept = append(kept, s)
		}
	}
	text, tokens, out := Assemble(kept, maxTokens, format)
	return out, text, tokens
}

func acceptCandidate(ent *model.Entry, m index.Match, types map[model.ContentType]bool, req model.RetrieveRequest, now time.Time) bool {
	if len(types) > 0 && !types[ent.ContentType] {
		return false
	}
	if req.RecencyDays > 0 && ent.IndexedAt.Before(now.Add(-time.Duration(req.RecencyDays)*day)) {
		return false
	}
	return req.MinRelevance == 0 || m.Similarity >= req.MinRelevance
}

// selectDistinct walks rank-ordered candidates and keeps at most limit of
// them, skipping any whose vector is a near-duplicate of one already kept.
func selectDistinct(ranked []candidate, limit int, threshold float64) []candidate {
	var kept []candidate
	for _, c := range ranked {
		if len(kept) == limit {
			break
		}
		dup := false
		for _, k := range kept {
			if index.CosineSimilarity(c.vec, k.vec) >= threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept
}

func validateRetrieve(userID string, req model.RetrieveRequest) (model.Format, map[model.ContentType]bool, error) {
	const op = "retrieve"
	if strings.TrimSpace(userID) == "" {
		return "", nil, ValidationError(op, "user_id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return "", nil, ValidationError(op, "query must not be empty")
	}
	if n := utf8.RuneCountInString(req.Query); n > MaxQueryLength {
		return "", nil, ValidationError(op, "query exceeds %d characters (%d)", MaxQueryLength, n)
	}
	if req.MaxTokens <= 0 {
		return "", nil, ValidationError(op, "max_tokens must be positive, got %d", req.MaxTokens)
	}
	if req.MaxSources <= 0 {
		return "", nil, ValidationError(op, "max_sources must be positive, got %d", req.MaxSources)
	}
	format, ok := model.ParseFormat(req.Format)
	if !ok {
		return "", nil, ValidationError(op, "format must be markdown, plain or xml, got %q", req.Format)
	}
	if req.RecencyDays < 0 {
		return "", nil, ValidationError(op, "recency_days must not be negative")
	}
	if req.MinRelevance < 0 || req.MinRelevance > 1 {
		return "", nil, ValidationError(op, "min_relevance must be within [0, 1]")
	}
	var types map[model.ContentType]bool
	for _, raw := range req.ContentTypes {
		ct, ok := model.ParseContentType(raw)
		if !ok {
			return "", nil, ValidationError(op, "unknown content_type %q", raw)
		}
		if types == nil {
			types = make(map[model.ContentType]bool)
		}
		types[ct] = true
	}
	return format, types, nil
}

// Suggest returns up to limit entries most similar to entryID, excluding itself.
func (e *Engine) Suggest(ctx context.Context, userID, entryID string, limit int) ([]model.Suggestion, error) {
	const op = "suggest"
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError(op, "user_id is required")
	}
	if entryID == "" {
		return nil, ValidationError(op, "entry_id is required")
	}
	if limit <= 0 {
		limit = 5
	}

	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()

	rec, err := e.DB.GetVector(entryID)
	if err != nil {
		return nil, InternalError(op, err)
	}
	if rec == nil || rec.UserID != userID {
		return nil, NotFoundError(op, "entry %s not found", entryID)
	}
	matches, err := e.Index.Search(ctx, userID, rec.Embedding, limit+1)
	if err != nil {
		return nil, IndexingError(op, err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.EntryID)
	}
	entries, err := e.DB.GetEntries(userID, ids)
	if err != nil {
		return nil, InternalError(op, err)
	}

	out := []model.Suggestion{}
	for _, m := range matches {
		ent, ok := entries[m.EntryID]
		if m.EntryID == entryID || !ok {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, model.Suggestion{
			EntryID:     ent.ID,
			Title:       ent.Title,
			ContentType: ent.ContentType,
			Similarity:  m.Similarity,
		})
	}
	return out, nil
}

// VoiceContext returns structured writing guidance for the user.
func (e *Engine) VoiceContext(userID string) (*model.VoiceContext, error) {
	const op = "voice_context"
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError(op, "user_id is required")
	}
	p, err := e.DB.GetVoiceProfile(userID)
	if err != nil {
		return nil, InternalError(op, err)
	}
	if p == nil || p.SampleSize == 0 {
		return nil, NotFoundError(op, "no voice profile for user %s", userID)
	}
	return BuildVoiceContext(p), nil
}
