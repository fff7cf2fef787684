package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/lazypower/compound/internal/index"
	"github.com/lazypower/compound/internal/store"
)

// Tunables are the scoring and maintenance knobs. They can be swapped at
// runtime with SetTunables.
type Tunables struct {
	SimilarityWeight   float64
	DecayWeight        float64
	DuplicateThreshold float64
	VoiceThreshold     float64
	RelatedThreshold   float64
	MaxRelated         int
	MinCandidates      int
	Oversample         int
	StaleDays          int
	PruneDays          int
	IndexRetries       int
	RetryInterval      time.Duration
	Decay              DecayParams
}

// DefaultTunables returns the stock configuration.
func DefaultTunables() Tunables {
	return Tunables{
		SimilarityWeight:   0.7,
		DecayWeight:        0.3,
		DuplicateThreshold: 0.92,
		VoiceThreshold:     0.3,
		RelatedThreshold:   0.8,
		MaxRelated:         5,
		MinCandidates:      12,
		Oversample:         3,
		StaleDays:          30,
		PruneDays:          90,
		IndexRetries:       3,
		RetryInterval:      100 * time.Millisecond,
		Decay:              DefaultDecayParams(),
	}
}

// normalized rescales the weights to sum to 1 with similarity dominant and
// fills zero values with defaults.
func (t Tunables) normalized() Tunables {
	d := DefaultTunables()
	w1, w2 := t.SimilarityWeight, t.DecayWeight
	if w1 < 0 || w2 < 0 || w1+w2 == 0 {
		w1, w2 = d.SimilarityWeight, d.DecayWeight
	}
	if w2 > w1 {
		w1, w2 = w2, w1
	}
	t.SimilarityWeight, t.DecayWeight = w1/(w1+w2), w2/(w1+w2)

	if t.DuplicateThreshold <= 0 || t.DuplicateThreshold > 1 {
		t.DuplicateThreshold = d.DuplicateThreshold
	}
	if t.VoiceThreshold < 0 || t.VoiceThreshold > 1 {
		t.VoiceThreshold = d.VoiceThreshold
	}
	if t.RelatedThreshold <= 0 || t.RelatedThreshold > 1 {
		t.RelatedThreshold = d.RelatedThreshold
	}
	if t.MaxRelated < 0 {
		t.MaxRelated = d.MaxRelated
	}
	if t.MinCandidates <= 0 {
		t.MinCandidates = d.MinCandidates
	}
	if t.Oversample <= 0 {
		t.Oversample = d.Oversample
	}
	if t.StaleDays <= 0 {
		t.StaleDays = d.StaleDays
	}
	if t.PruneDays <= 0 {
		t.PruneDays = d.PruneDays
	}
	if t.IndexRetries < 0 {
		t.IndexRetries = d.IndexRetries
	}
	if t.RetryInterval <= 0 {
		t.RetryInterval = d.RetryInterval
	}
	if t.Decay.HalfLifeDays <= 0 {
		t.Decay = d.Decay
	}
	return t
}

// VectorIndex is the nearest-neighbour index the engine keeps in step with
// the store. *index.Index is the production implementation.
type VectorIndex interface {
	Insert(ctx context.Context, userID, entryID string, vec []float32) error
	Load(ctx context.Context, userID string, vectors []index.Vector) error
	Delete(ctx context.Context, userID, entryID string) error
	Search(ctx context.Context, userID string, vec []float32, k int) ([]index.Match, error)
	Count(userID string) int
	Reset() error
}

// stopTimeout bounds how long Stop waits for a running compounding pass.
const stopTimeout = 5 * time.Second

// Engine owns ingestion, retrieval, statistics and compounding for all users.
type Engine struct {
	DB       *store.DB
	Index    VectorIndex
	Embedder index.Embedder

	logger   *slog.Logger
	now      func() time.Time
	tunables atomic.Pointer[Tunables]

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates an Engine over db using emb for all embeddings.
func New(db *store.DB, emb index.Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		DB:       db,
		Index:    index.New(),
		Embedder: emb,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.RWMutex),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	t := DefaultTunables()
	e.tunables.Store(&t)
	return e
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetTunables atomically swaps the scoring configuration.
func (e *Engine) SetTunables(t Tunables) {
	n := t.normalized()
	e.tunables.Store(&n)
}

// Tunables returns the active configuration.
func (e *Engine) Tunables() Tunables {
	return *e.tunables.Load()
}

// userLock returns the read/write lock guarding one user's store and index.
// Users never contend with each other.
func (e *Engine) userLock(userID string) *sync.RWMutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &sync.RWMutex{}
		e.locks[userID] = l
	}
	return l
}

// newID returns a ULID stamped with at. IDs from one engine sort in creation order.
func (e *Engine) newID(at time.Time) (string, error) {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), e.entropy)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// LoadIndex rebuilds the in-memory index from persisted vectors.
// Vectors produced by a different embedding model are skipped.
func (e *Engine) LoadIndex(ctx context.Context) (int, error) {
	records, err := e.DB.AllVectors()
	if err != nil {
		return 0, fmt.Errorf("load vectors: %w", err)
	}
	if err := e.Index.Reset(); err != nil {
		return 0, err
	}

	byUser := make(map[string][]index.Vector)
	skipped := 0
	for _, r := range records {
		if r.Model != e.Embedder.Model() {
			skipped++
			continue
		}
		byUser[r.UserID] = append(byUser[r.UserID], index.Vector{EntryID: r.EntryID, Embedding: r.Embedding})
	}

	loaded := 0
	for userID, vecs := range byUser {
		lock := e.userLock(userID)
		lock.Lock()
		err := e.Index.Load(ctx, userID, vecs)
		lock.Unlock()
		if err != nil {
			return loaded, fmt.Errorf("load index for %s: %w", userID, err)
		}
		loaded += len(vecs)
	}
	if skipped > 0 {
		e.logger.Warn("skipped vectors from another embedding model",
			"skipped", skipped, "model", e.Embedder.Model())
	}
	return loaded, nil
}

// Stop halts the compounding scheduler, waiting for a running job to finish.
func (e *Engine) Stop() {
	e.cronMu.Lock()
	c := e.cron
	e.cron = nil
	e.cronMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(stopTimeout):
		e.logger.Warn("compounding stop timed out waiting for running job")
	}
}
