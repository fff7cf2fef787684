package engine

import (
	"context"
	"strings"

	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

// DefaultListLimit applies when a listing asks for no explicit limit.
const DefaultListLimit = 50

// MaxListLimit caps a single listing page.
const MaxListLimit = 500

// ListEntries returns a page of the user's entries, most recent first, with
// relevance_decay evaluated as of now.
func (e *Engine) ListEntries(userID string, opts store.ListOptions) ([]model.Entry, error) {
	const op = "list_entries"
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError(op, "user_id is required")
	}
	if opts.ContentType != "" {
		if _, ok := model.ParseContentType(opts.ContentType); !ok {
			return nil, ValidationError(op, "unknown content_type %q", opts.ContentType)
		}
	}
	switch {
	case opts.Limit < 0 || opts.Offset < 0:
		return nil, ValidationError(op, "limit and offset must not be negative")
	case opts.Limit == 0:
		opts.Limit = DefaultListLimit
	case opts.Limit > MaxListLimit:
		opts.Limit = MaxListLimit
	}

	lock := e.userLock(userID)
	lock.RLock()
	entries, err := e.DB.ListEntries(userID, opts)
	lock.RUnlock()
	if err != nil {
		return nil, InternalError(op, err)
	}
	RefreshDecay(entries, e.now(), e.Tunables().Decay)
	return entries, nil
}

// GetEntry returns one entry with full content.
func (e *Engine) GetEntry(userID, entryID string) (*model.Entry, error) {
	const op = "get_entry"
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError(op, "user_id is required")
	}

	lock := e.userLock(userID)
	lock.RLock()
	entry, err := e.DB.GetEntry(userID, entryID)
	lock.RUnlock()
	if err != nil {
		return nil, InternalError(op, err)
	}
	if entry == nil {
		return nil, NotFoundError(op, "entry %s not found", entryID)
	}
	entry.RelevanceDecay = Decay(entry, e.now(), e.Tunables().Decay)
	return entry, nil
}

// DeleteEntry removes an entry from the store and the index.
func (e *Engine) DeleteEntry(ctx context.Context, userID, entryID string) error {
	const op = "delete_entry"
	if strings.TrimSpace(userID) == "" {
		return ValidationError(op, "user_id is required")
	}

	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	return e.removeEntry(ctx, userID, entryID)
}

// removeEntry deletes entryID and scrubs it from other entries' related
// lists. The caller holds the user's write lock.
func (e *Engine) removeEntry(ctx context.Context, userID, entryID string) error {
	const op = "delete_entry"
	entry, err := e.DB.GetEntry(userID, entryID)
	if err != nil {
		return InternalError(op, err)
	}
	if entry == nil {
		return NotFoundError(op, "entry %s not found", entryID)
	}

	if _, err := e.DB.DeleteEntry(userID, entryID); err != nil {
		return InternalError(op, err)
	}
	if err := e.Index.Delete(ctx, userID, entryID); err != nil {
		return IndexingError(op, err)
	}

	for _, rid := range entry.RelatedEntries {
		other, err := e.DB.GetEntry(userID, rid)
		if err != nil {
			return InternalError(op, err)
		}
		if other == nil {
			continue
		}
		kept := other.RelatedEntries[:0]
		for _, id := range other.RelatedEntries {
			if id != entryID {
				kept = append(kept, id)
			}
		}
		if err := e.DB.UpdateRelated(userID, rid, kept); err != nil {
			return InternalError(op, err)
		}
	}
	return nil
}
