package engine

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/compound/internal/index"
	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

// Health score weights and saturation constants.
const (
	healthVolumeWeight    = 0.35
	healthDiversityWeight = 0.15
	healthFreshnessWeight = 0.5
	// healthVolumeScale is the entry count at which volume reaches ~63%.
	healthVolumeScale = 25.0

	maxDuplicateCandidates = 20
	minHealthyEntries      = 5
	maxHealthyStale        = 5
	minHealthyTypes        = 2
)

// Stats aggregates a user's memory. An unknown user has zero stats.
func (e *Engine) Stats(ctx context.Context, userID string) (*model.MemoryStats, error) {
	const op = "stats"
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError(op, "user_id is required")
	}

	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()

	stats, _, err := e.stats(userID)
	if err != nil {
		return nil, InternalError(op, err)
	}
	return stats, nil
}

// stats computes MemoryStats and returns the entries it read. The caller
// holds the user's read lock.
func (e *Engine) stats(userID string) (*model.MemoryStats, []model.Entry, error) {
	sum, err := e.DB.SummarizeEntries(userID)
	if err != nil {
		return nil, nil, err
	}
	stats := &model.MemoryStats{
		UserID:             userID,
		TotalEntries:       sum.Total,
		EntriesByType:      sum.ByType,
		TotalTokensIndexed: sum.TotalTokens,
		OldestEntry:        sum.Oldest,
		NewestEntry:        sum.Newest,
	}

	var entries []model.Entry
	if sum.Total > 0 {
		entries, err = e.DB.ListEntries(userID, store.ListOptions{})
		if err != nil {
			return nil, nil, err
		}
	}
	now := e.now().Truncate(time.Minute)
	stats.MemoryHealthScore = healthScore(entries, now, e.Tunables().Decay)

	p, err := e.DB.GetVoiceProfile(userID)
	if err != nil {
		return nil, nil, err
	}
	if p != nil {
		stats.VoiceProfileConfidence = p.Confidence
	}

	ev, err := e.DB.LastEvent(userID, store.EventCompounding)
	if err != nil {
		return nil, nil, err
	}
	if ev != nil {
		at := time.UnixMilli(ev.CreatedAt).UTC()
		stats.LastCompoundingRun = &at
	}
	return stats, entries, nil
}

// healthScore is 100 * (0.35*volume + 0.15*diversity + 0.5*freshness),
// rounded to two decimals. Volume saturates with entry count, diversity is
// the share of content types in use, freshness is mean decay at now.
func healthScore(entries []model.Entry, now time.Time, p DecayParams) float64 {
	if len(entries) == 0 {
		return 0
	}
	volume := 1 - math.Exp(-float64(len(entries))/healthVolumeScale)

	types := make(map[model.ContentType]bool)
	var total float64
	for i := range entries {
		types[entries[i].ContentType] = true
		total += Decay(&entries[i], now, p)
	}
	diversity := float64(len(types)) / float64(len(model.ContentTypes()))
	freshness := total / float64(len(entries))

	score := 100 * (healthVolumeWeight*volume + healthDiversityWeight*diversity + healthFreshnessWeight*freshness)
	return math.Round(score*100) / 100
}

// HealthReport extends Stats with stale entries, duplicate candidates and
// maintenance recommendations.
func (e *Engine) HealthReport(ctx context.Context, userID string) (*model.HealthReport, error) {
	const op = "health_report"
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError(op, "user_id is required")
	}

	lock := e.userLock(userID)
	lock.RLock()
	defer lock.RUnlock()

	stats, entries, err := e.stats(userID)
	if err != nil {
		return nil, InternalError(op, err)
	}
	t := e.Tunables()

	report := &model.HealthReport{
		Stats:               *stats,
		Recommendations:     []string{},
		StaleEntries:        staleEntries(entries, e.now(), t.StaleDays),
		DuplicateCandidates: []model.DuplicatePair{},
	}

	vectors, err := e.DB.UserVectors(userID)
	if err != nil {
		return nil, InternalError(op, err)
	}
	report.DuplicateCandidates = duplicatePairs(vectors, t.DuplicateThreshold, maxDuplicateCandidates)

	if len(report.StaleEntries) > maxHealthyStale {
		report.Recommendations = append(report.Recommendations, "Consider pruning stale entries to keep memory fresh.")
	}
	if stats.TotalEntries < minHealthyEntries {
		report.Recommendations = append(report.Recommendations, "Add more content to improve retrieval quality.")
	}
	if len(stats.EntriesByType) < minHealthyTypes {
		report.Recommendations = append(report.Recommendations, "Diversity is low; add more content types.")
	}
	if len(report.DuplicateCandidates) > 0 {
		report.Recommendations = append(report.Recommendations, "Near-duplicate entries found; run compaction to merge them.")
	}
	return report, nil
}

// lastTouched is the later of indexed_at and last_accessed_at.
func lastTouched(e *model.Entry) time.Time {
	if e.LastAccessedAt != nil && e.LastAccessedAt.After(e.IndexedAt) {
		return *e.LastAccessedAt
	}
	return e.IndexedAt
}

func staleEntries(entries []model.Entry, now time.Time, days int) []string {
	cutoff := now.Add(-time.Duration(days) * day)
	stale := []string{}
	for i := range entries {
		if lastTouched(&entries[i]).Before(cutoff) {
			stale = append(stale, entries[i].ID)
		}
	}
	return stale
}

// duplicatePairs returns up to limit vector pairs at or above threshold,
// most similar first.
func duplicatePairs(vectors []store.VectorRecord, threshold float64, limit int) []model.DuplicatePair {
	pairs := []model.DuplicatePair{}
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := index.CosineSimilarity(vectors[i].Embedding, vectors[j].Embedding)
			if sim < threshold {
				continue
			}
			a, b := vectors[i].EntryID, vectors[j].EntryID
			if b < a {
				a, b = b, a
			}
			pairs = append(pairs, model.DuplicatePair{EntryA: a, EntryB: b, Similarity: sim})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Similarity != pairs[j].Similarity {
			return pairs[i].Similarity > pairs[j].Similarity
		}
		if pairs[i].EntryA != pairs[j].EntryA {
			return pairs[i].EntryA < pairs[j].EntryA
		}
		return pairs[i].EntryB < pairs[j].EntryB
	})
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
