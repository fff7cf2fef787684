package engine

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lazypower/compound/internal/metrics"
	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

// Ingest limits.
const (
	MaxContentLength = 100000
	MaxTitleLength   = 200
	MaxTags          = 20
	MaxTagLength     = 50
	MaxBulkIngest    = 50
)

// Ingest validates, embeds, stores and indexes one piece of content.
// Either the entry is both persisted and searchable, or nothing changes.
func (e *Engine) Ingest(ctx context.Context, userID string, req model.IngestRequest) (*model.IngestResponse, error) {
	resp, err := e.ingest(ctx, userID, req)
	if err != nil {
		metrics.RecordIngest(KindOf(err))
		e.logger.Warn("ingest failed", "user_id", userID, "error", err)
		return nil, err
	}
	metrics.RecordIngest("ok")
	return resp, nil
}

func (e *Engine) ingest(ctx context.Context, userID string, req model.IngestRequest) (*model.IngestResponse, error) {
	const op = "ingest"
	start := time.Now()

	entry, err := validateIngest(userID, req)
	if err != nil {
		return nil, err
	}

	var vec []float32
	err = e.retry(ctx, func() error {
		v, err := e.Embedder.Embed(ctx, entry.Title+"\n\n"+entry.Content)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, IndexingError(op, fmt.Errorf("embed: %w", err))
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := e.now().UTC().Truncate(time.Millisecond)
	entry.ID, err = e.newID(now)
	if err != nil {
		return nil, InternalError(op, err)
	}
	entry.EmbeddingID = uuid.NewString()
	entry.IndexedAt = now

	t := e.Tunables()
	related, err := e.relatedTo(ctx, userID, vec, t, "")
	if err != nil {
		return nil, IndexingError(op, err)
	}
	entry.RelatedEntries = related

	tx, err := e.DB.BeginWrite()
	if err != nil {
		return nil, InternalError(op, err)
	}
	defer tx.Rollback()

	if err := tx.CreateEntry(entry); err != nil {
		return nil, InternalError(op, err)
	}
	if err := tx.SaveVector(userID, entry.ID, vec, e.Embedder.Model()); err != nil {
		return nil, InternalError(op, err)
	}
	if entry.ContentType.IsProse() {
		if err := learnVoice(tx, userID, entry.Content, now); err != nil {
			return nil, InternalError(op, err)
		}
	}
	for _, rid := range related {
		if err := linkBack(tx, userID, rid, entry.ID, t.MaxRelated); err != nil {
			return nil, InternalError(op, err)
		}
	}

	err = e.retry(ctx, func() error {
		return e.Index.Insert(ctx, userID, entry.ID, vec)
	})
	if err != nil {
		return nil, IndexingError(op, err)
	}

	if err := tx.Commit(); err != nil {
		if derr := e.Index.Delete(context.WithoutCancel(ctx), userID, entry.ID); derr != nil {
			e.logger.Error("index rollback failed", "entry_id", entry.ID, "error", derr)
		}
		return nil, InternalError(op, err)
	}

	e.logger.Debug("ingested entry", "user_id", userID, "entry_id", entry.ID,
		"content_type", entry.ContentType, "related", len(related))

	return &model.IngestResponse{
		EntryID:          entry.ID,
		Indexed:          true,
		EmbeddingID:      entry.EmbeddingID,
		TokenCount:       entry.TokenCount,
		RelatedEntries:   related,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// BulkIngest ingests up to MaxBulkIngest items independently. One failed
// item never affects the others.
func (e *Engine) BulkIngest(ctx context.Context, userID string, reqs []model.IngestRequest) (*model.BulkIngestResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError("bulk_ingest", "user_id is required")
	}
	if len(reqs) == 0 {
		return nil, ValidationError("bulk_ingest", "entries must not be empty")
	}
	if len(reqs) > MaxBulkIngest {
		return nil, ValidationError("bulk_ingest", "at most %d entries per request, got %d", MaxBulkIngest, len(reqs))
	}

	out := &model.BulkIngestResponse{Results: make([]model.BulkIngestResult, 0, len(reqs))}
	for i, req := range reqs {
		res := model.BulkIngestResult{Index: i}
		resp, err := e.Ingest(ctx, userID, req)
		if err != nil {
			res.Error = err.Error()
			out.Failed++
		} else {
			res.Response = resp
			out.Succeeded++
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

// retry runs fn with exponential backoff bounded by IndexRetries.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	t := e.Tunables()
	b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(t.RetryInterval))
	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.IndexRetries)), ctx))
}

// relatedTo returns the ids of the user's entries at or above the related
// threshold, excluding self. The caller holds the user lock.
func (e *Engine) relatedTo(ctx context.Context, userID string, vec []float32, t Tunables, self string) ([]string, error) {
	if t.MaxRelated == 0 {
		return []string{}, nil
	}
	matches, err := e.Index.Search(ctx, userID, vec, t.MaxRelated+1)
	if err != nil {
		return nil, fmt.Errorf("related search: %w", err)
	}
	related := []string{}
	for _, m := range matches {
		if m.EntryID == self || m.Similarity < t.RelatedThreshold {
			continue
		}
		if len(related) == t.MaxRelated {
			break
		}
		related = append(related, m.EntryID)
	}
	return related, nil
}

// linkBack appends id to target's related entries, keeping at most limit.
func linkBack(tx *store.Tx, userID, target, id string, limit int) error {
	e, err := tx.GetEntry(userID, target)
	if err != nil {
		return err
	}
	if e == nil || slices.Contains(e.RelatedEntries, id) || len(e.RelatedEntries) >= limit {
		return nil
	}
	return tx.UpdateRelated(userID, target, append(e.RelatedEntries, id))
}

func learnVoice(tx *store.Tx, userID, content string, now time.Time) error {
	p, err := tx.GetVoiceProfile(userID)
	if err != nil {
		return err
	}
	if p == nil {
		p = NewVoiceProfile(userID)
	}
	UpdateVoice(p, content, now)
	return tx.SaveVoiceProfile(p)
}

// validateIngest checks req and returns the entry it describes, without id,
// embedding id or timestamps.
func validateIngest(userID string, req model.IngestRequest) (*model.Entry, error) {
	const op = "ingest"
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError(op, "user_id is required")
	}
	ct, ok := model.ParseContentType(req.ContentType)
	if !ok {
		return nil, ValidationError(op, "content_type must be one of %v, got %q", model.ContentTypes(), req.ContentType)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ValidationError(op, "content must not be empty")
	}
	if n := utf8.RuneCountInString(req.Content); n > MaxContentLength {
		return nil, ValidationError(op, "content exceeds %d characters (%d)", MaxContentLength, n)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ValidationError(op, "title must not be empty")
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLength {
		return nil, ValidationError(op, "title exceeds %d characters (%d)", MaxTitleLength, n)
	}
	if req.SourceURL != "" {
		u, err := url.Parse(req.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, ValidationError(op, "source_url must be an absolute http(s) URL")
		}
	}
	tags, err := normalizeTags(req.Tags)
	if err != nil {
		return nil, err
	}

	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return &model.Entry{
		UserID:         userID,
		ContentType:    ct,
		Title:          title,
		Content:        req.Content,
		ContentPreview: model.Preview(req.Content),
		RelevanceDecay: 1,
		Tags:           tags,
		SourceURL:      req.SourceURL,
		SourceMetadata: meta,
		TokenCount:     EstimateTokens(req.Content),
	}, nil
}

// normalizeTags lowercases, trims and deduplicates tags, preserving order.
func normalizeTags(raw []string) ([]string, error) {
	tags := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		if utf8.RuneCountInString(t) > MaxTagLength {
			return nil, ValidationError("ingest", "tag %q exceeds %d characters", t, MaxTagLength)
		}
		seen[t] = true
		tags = append(tags, t)
	}
	if len(tags) > MaxTags {
		return nil, ValidationError("ingest", "at most %d tags allowed, got %d", MaxTags, len(tags))
	}
	return tags, nil
}
