// Package model holds the shared data types for memory entries, retrieval
// results and aggregate statistics.
package model

import (
	"sort"
	"time"
)

// ContentType is the closed set of ingestible content kinds.
type ContentType string

const (
	ContentDocument    ContentType = "document"
	ContentTextSnippet ContentType = "text_snippet"
	ContentArticle     ContentType = "article"
	ContentLink        ContentType = "link"
	ContentVideo       ContentType = "video"
)

var contentTypes = map[ContentType]bool{
	ContentDocument:    true,
	ContentTextSnippet: true,
	ContentArticle:     true,
	ContentLink:        true,
	ContentVideo:       true,
}

// ParseContentType reports whether s names a known content type.
func ParseContentType(s string) (ContentType, bool) {
	ct := ContentType(s)
	return ct, contentTypes[ct]
}

// ContentTypes returns every known content type in sorted order.
func ContentTypes() []ContentType {
	out := make([]ContentType, 0, len(contentTypes))
	for ct := range contentTypes {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PreviewLength is the rune length of Entry.ContentPreview.
const PreviewLength = 500

// Entry is one unit of ingested knowledge belonging to a single user.
type Entry struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ContentType    ContentType    `json:"content_type"`
	Title          string         `json:"title"`
	Content        string         `json:"content,omitempty"`
	ContentPreview string         `json:"content_preview"`
	EmbeddingID    string         `json:"embedding_id"`
	IndexedAt      time.Time      `json:"indexed_at"`
	LastAccessedAt *time.Time     `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
	RelevanceDecay float64        `json:"relevance_decay"`
	RelatedEntries []string       `json:"related_entries"`
	Tags           []string       `json:"tags"`
	SourceURL      string         `json:"source_url,omitempty"`
	SourceMetadata map[string]any `json:"source_metadata"`
	TokenCount     int            `json:"token_count"`
}

// Preview returns the first PreviewLength runes of content.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= PreviewLength {
		return content
	}
	return string(r[:PreviewLength])
}

// Format selects how assembled context text is rendered.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatPlain    Format = "plain"
	FormatXML      Format = "xml"
)

// ParseFormat maps s to a Format. Empty means markdown.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case "", FormatMarkdown:
		return FormatMarkdown, true
	case FormatPlain, FormatXML:
		return Format(s), true
	}
	return "", false
}

// IsProse reports whether the content type carries the user's own writing.
func (ct ContentType) IsProse() bool {
	return ct == ContentDocument || ct == ContentTextSnippet || ct == ContentArticle
}

// RetrieveRequest is the body of a context retrieval call.
type RetrieveRequest struct {
	Query        string   `json:"query"`
	MaxTokens    int      `json:"max_tokens"`
	MaxSources   int      `json:"max_sources"`
	Format       string   `json:"format"`
	ContentTypes []string `json:"content_types,omitempty"`
	RecencyDays  int      `json:"recency_days,omitempty"`
	MinRelevance float64  `json:"min_relevance,omitempty"`

	// IncludeVoiceProfile defaults to true when unset.
	IncludeVoiceProfile *bool `json:"include_voice_profile,omitempty"`
}

// WantsVoice reports whether the voice summary should be attached.
func (r RetrieveRequest) WantsVoice() bool {
	return r.IncludeVoiceProfile == nil || *r.IncludeVoiceProfile
}

// ContextSource is one entry selected into a retrieved context.
type ContextSource struct {
	EntryID        string      `json:"entry_id"`
	Title          string      `json:"title"`
	ContentType    ContentType `json:"content_type"`
	RelevanceScore float64     `json:"relevance_score"`
	Excerpt        string      `json:"excerpt"`
	SourceURL      string      `json:"source_url,omitempty"`
}

// RetrievedContext is the ephemeral result of a retrieval request.
type RetrievedContext struct {
	Query             string          `json:"query"`
	Sources           []ContextSource `json:"sources"`
	ContextText       string          `json:"context_text"`
	TokenCount        int             `json:"token_count"`
	VoiceSummary      *string         `json:"voice_summary"`
	RetrievalTimeMS   int64           `json:"retrieval_time_ms"`
	SourcesConsidered int             `json:"sources_considered"`
	SourcesIncluded   int             `json:"sources_included"`
	Partial           bool            `json:"partial,omitempty"`
}

// MemoryStats summarizes a user's memory store.
type MemoryStats struct {
	UserID                 string         `json:"user_id"`
	TotalEntries           int            `json:"total_entries"`
	EntriesByType          map[string]int `json:"entries_by_type"`
	TotalTokensIndexed     int            `json:"total_tokens_indexed"`
	MemoryHealthScore      float64        `json:"memory_health_score"`
	OldestEntry            *time.Time     `json:"oldest_entry"`
	NewestEntry            *time.Time     `json:"newest_entry"`
	VoiceProfileConfidence float64        `json:"voice_profile_confidence"`
	LastCompoundingRun     *time.Time     `json:"last_compounding_run"`
}

// DuplicatePair names two entries whose vectors are near-identical.
type DuplicatePair struct {
	EntryA     string  `json:"entry_a"`
	EntryB     string  `json:"entry_b"`
	Similarity float64 `json:"similarity"`
}

// HealthReport is MemoryStats plus maintenance guidance.
type HealthReport struct {
	Stats               MemoryStats     `json:"stats"`
	Recommendations     []string        `json:"recommendations"`
	StaleEntries        []string        `json:"stale_entries"`
	DuplicateCandidates []DuplicatePair `json:"duplicate_candidates"`
}

// IngestRequest is the body of an ingest call.
type IngestRequest struct {
	ContentType string         `json:"content_type"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	SourceURL   string         `json:"source_url,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IngestResponse reports the outcome of a successful ingest.
type IngestResponse struct {
	EntryID          string   `json:"entry_id"`
	Indexed          bool     `json:"indexed"`
	EmbeddingID      string   `json:"embedding_id"`
	TokenCount       int      `json:"token_count"`
	RelatedEntries   []string `json:"related_entries"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// BulkIngestResult is one item of a bulk ingest.
type BulkIngestResult struct {
	Index    int             `json:"index"`
	Response *IngestResponse `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// BulkIngestResponse reports per-item outcomes of a bulk ingest.
type BulkIngestResponse struct {
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Results   []BulkIngestResult `json:"results"`
}

// VoiceContext is structured writing-style guidance for a user.
type VoiceContext struct {
	UserID          string   `json:"user_id"`
	Summary         string   `json:"summary"`
	Confidence      float64  `json:"confidence"`
	SampleSize      int      `json:"sample_size"`
	Keywords        []string `json:"keywords"`
	AvgSentenceLen  float64  `json:"avg_sentence_length"`
	QuestionRate    float64  `json:"question_rate"`
	ExclamationRate float64  `json:"exclamation_rate"`
}

// Suggestion is an entry related to another by vector similarity.
type Suggestion struct {
	EntryID     string      `json:"entry_id"`
	Title       string      `json:"title"`
	ContentType ContentType `json:"content_type"`
	Similarity  float64     `json:"similarity"`
}

// CompactResult reports what a compounding run changed.
type CompactResult struct {
	UserID           string `json:"user_id"`
	EntriesScanned   int    `json:"entries_scanned"`
	DecayUpdated     int    `json:"decay_updated"`
	StaleRemoved     int    `json:"stale_removed"`
	DuplicatesMerged int    `json:"duplicates_merged"`
	LinksUpdated     int    `json:"links_updated"`
	DurationMS       int64  `json:"duration_ms"`
}

// VoiceProfile is the per-user aggregate of writing-style statistics.
type VoiceProfile struct {
	UserID         string         `json:"user_id"`
	Confidence     float64        `json:"confidence"`
	SampleSize     int            `json:"sample_size"`
	TotalWords     int            `json:"total_words"`
	TotalSentences int            `json:"total_sentences"`
	Questions      int            `json:"questions"`
	Exclamations   int            `json:"exclamations"`
	TermCounts     map[string]int `json:"term_counts"`

	// Running mean and M2 of per-sample average sentence length.
	SentenceLenMean float64 `json:"sentence_len_mean"`
	SentenceLenM2   float64 `json:"sentence_len_m2"`

	UpdatedAt time.Time `json:"updated_at"`
}
