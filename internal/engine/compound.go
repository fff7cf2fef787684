package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lazypower/compound/internal/metrics"
	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

// mergeThreshold is the similarity above which two entries are merged.
const mergeThreshold = 0.95

// DefaultCompoundingSchedule runs compounding once a day.
const DefaultCompoundingSchedule = "@daily"

// compactTimeout bounds one scheduled pass over all users.
const compactTimeout = 10 * time.Minute

// CompactOptions selects the destructive phases of a compounding run.
// Decay refresh and relinking always run.
type CompactOptions struct {
	RemoveStale     bool
	MergeDuplicates bool
}

// Compact runs one compounding pass for a user: refresh decay, optionally
// prune and merge, then recompute related-entry links.
func (e *Engine) Compact(ctx context.Context, userID string, opts CompactOptions) (*model.CompactResult, error) {
	res, err := e.compact(ctx, userID, opts)
	if err != nil {
		metrics.RecordCompounding("error")
		return nil, err
	}
	metrics.RecordCompounding("ok")
	return res, nil
}

func (e *Engine) compact(ctx context.Context, userID string, opts CompactOptions) (*model.CompactResult, error) {
	const op = "compact"
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError(op, "user_id is required")
	}
	start := time.Now()
	t := e.Tunables()

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := e.now()
	res := &model.CompactResult{UserID: userID}

	entries, err := e.DB.ListAllEntries(userID)
	if err != nil {
		return nil, InternalError(op, err)
	}
	res.EntriesScanned = len(entries)

	changed := make(map[string]float64)
	for i := range entries {
		d := Decay(&entries[i], now, t.Decay)
		if math.Abs(d-entries[i].RelevanceDecay) > 1e-9 {
			changed[entries[i].ID] = d
		}
	}
	if err := e.DB.UpdateDecay(userID, changed); err != nil {
		return nil, InternalError(op, err)
	}
	res.DecayUpdated = len(changed)

	if opts.RemoveStale {
		cutoff := now.Add(-time.Duration(t.PruneDays) * day)
		for i := range entries {
			if ctx.Err() != nil {
				return nil, InternalError(op, ctx.Err())
			}
			if !lastTouched(&entries[i]).Before(cutoff) {
				continue
			}
			if err := e.removeEntry(ctx, userID, entries[i].ID); err != nil {
				return nil, err
			}
			res.StaleRemoved++
			if err := e.DB.AddEvent(userID, store.EventPrune, entries[i].ID, now); err != nil {
				return nil, InternalError(op, err)
			}
		}
	}

	if opts.MergeDuplicates {
		n, err := e.mergeDuplicates(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		res.DuplicatesMerged = n
	}

	n, err := e.relink(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	res.LinksUpdated = n

	res.DurationMS = time.Since(start).Milliseconds()
	detail := fmt.Sprintf("scanned=%d decay=%d pruned=%d merged=%d links=%d",
		res.EntriesScanned, res.DecayUpdated, res.StaleRemoved, res.DuplicatesMerged, res.LinksUpdated)
	if err := e.DB.AddEvent(userID, store.EventCompounding, detail, now); err != nil {
		return nil, InternalError(op, err)
	}
	e.logger.Info("compounding complete", "user_id", userID,
		"scanned", res.EntriesScanned, "decay_updated", res.DecayUpdated,
		"pruned", res.StaleRemoved, "merged", res.DuplicatesMerged, "links", res.LinksUpdated)
	return res, nil
}

// mergeDuplicates folds each near-identical pair into its newer entry. The
// survivor gains the union of both tag sets. The caller holds the write lock.
func (e *Engine) mergeDuplicates(ctx context.Context, userID string, now time.Time) (int, error) {
	const op = "compact"
	vectors, err := e.DB.UserVectors(userID)
	if err != nil {
		return 0, InternalError(op, err)
	}
	pairs := duplicatePairs(vectors, mergeThreshold, math.MaxInt)

	removed := make(map[string]bool)
	merged := 0
	for _, p := range pairs {
		if ctx.Err() != nil {
			return merged, InternalError(op, ctx.Err())
		}
		if removed[p.EntryA] || removed[p.EntryB] {
			continue
		}
		a, err := e.DB.GetEntry(userID, p.EntryA)
		if err != nil {
			return merged, InternalError(op, err)
		}
		b, err := e.DB.GetEntry(userID, p.EntryB)
		if err != nil {
			return merged, InternalError(op, err)
		}
		if a == nil || b == nil {
			continue
		}

		survivor, loser := a, b
		if b.IndexedAt.After(a.IndexedAt) || (b.IndexedAt.Equal(a.IndexedAt) && b.ID > a.ID) {
			survivor, loser = b, a
		}
		tags := survivor.Tags
		for _, tag := range loser.Tags {
			if !slices.Contains(tags, tag) {
				tags = append(tags, tag)
			}
		}
		if len(tags) != len(survivor.Tags) {
			if err := e.DB.UpdateTags(userID, survivor.ID, tags); err != nil {
				return merged, InternalError(op, err)
			}
		}
		if err := e.removeEntry(ctx, userID, loser.ID); err != nil {
			return merged, err
		}
		removed[loser.ID] = true
		merged++

		if err := e.DB.AddEvent(userID, store.EventMerge, loser.ID+" -> "+survivor.ID, now); err != nil {
			return merged, InternalError(op, err)
		}
	}
	return merged, nil
}

// relink recomputes every entry's related list from the index. Returns how
// many lists changed. The caller holds the write lock.
func (e *Engine) relink(ctx context.Context, userID string, t Tunables) (int, error) {
	const op = "compact"
	vectors, err := e.DB.UserVectors(userID)
	if err != nil {
		return 0, InternalError(op, err)
	}
	ids := make([]string, len(vectors))
	for i, v := range vectors {
		ids[i] = v.EntryID
	}
	entries, err := e.DB.GetEntries(userID, ids)
	if err != nil {
		return 0, InternalError(op, err)
	}

	updated := 0
	for _, v := range vectors {
		if ctx.Err() != nil {
			return updated, InternalError(op, ctx.Err())
		}
		ent, ok := entries[v.EntryID]
		if !ok {
			continue
		}
		related, err := e.relatedTo(ctx, userID, v.Embedding, t, v.EntryID)
		if err != nil {
			return updated, IndexingError(op, err)
		}
		if slices.Equal(related, ent.RelatedEntries) {
			continue
		}
		if err := e.DB.UpdateRelated(userID, v.EntryID, related); err != nil {
			return updated, InternalError(op, err)
		}
		updated++
	}
	return updated, nil
}

// CompactAll runs Compact for every user with entries. A failure for one
// user is logged and does not stop the others.
func (e *Engine) CompactAll(ctx context.Context, opts CompactOptions) ([]model.CompactResult, error) {
	users, err := e.DB.Users()
	if err != nil {
		return nil, InternalError("compact_all", err)
	}
	var results []model.CompactResult
	for _, u := range users {
		if ctx.Err() != nil {
			return results, InternalError("compact_all", ctx.Err())
		}
		res, err := e.Compact(ctx, u, opts)
		if err != nil {
			e.logger.Error("compounding failed", "user_id", u, "error", err)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// StartCompounding schedules CompactAll on a cron spec such as "@daily" or
// "0 3 * * *". A previously started schedule is stopped first.
func (e *Engine) StartCompounding(spec string, opts CompactOptions) error {
	if spec == "" {
		spec = DefaultCompoundingSchedule
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
		defer cancel()
		results, err := e.CompactAll(ctx, opts)
		if err != nil {
			e.logger.Error("scheduled compounding failed", "error", err)
			return
		}
		e.logger.Info("scheduled compounding complete", "users", len(results))
	})
	if err != nil {
		return fmt.Errorf("schedule compounding %q: %w", spec, err)
	}

	e.Stop()
	e.cronMu.Lock()
	e.cron = c
	e.cronMu.Unlock()
	c.Start()
	e.logger.Info("compounding scheduled", "schedule", spec)
	return nil
}
