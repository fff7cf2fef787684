package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lazypower/compound/internal/index"
	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngineWith(t *testing.T, db *store.DB, emb index.Embedder) (*Engine, *fakeClock) {
	t.Helper()
	e := New(db, emb, quietLogger())
	clk := &fakeClock{now: t0}
	e.SetClock(clk.Now)
	tun := DefaultTunables()
	tun.RetryInterval = time.Millisecond
	e.SetTunables(tun)
	t.Cleanup(e.Stop)
	return e, clk
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	return newTestEngineWith(t, testDB(t), index.NewHashEmbedder(index.DefaultDimensions))
}

func ingest(t *testing.T, e *Engine, userID string, ct model.ContentType, title, content string) *model.IngestResponse {
	t.Helper()
	resp, err := e.Ingest(context.Background(), userID, model.IngestRequest{
		ContentType: string(ct),
		Title:       title,
		Content:     content,
	})
	if err != nil {
		t.Fatalf("Ingest(%q): %v", title, err)
	}
	return resp
}

// flakyEmbedder fails the first n calls.
type flakyEmbedder struct {
	index.Embedder
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("embedding backend unavailable")
	}
	return f.Embedder.Embed(ctx, text)
}

// flakyIndex fails the first n inserts.
type flakyIndex struct {
	*index.Index
	failures atomic.Int32
}

func (f *flakyIndex) Insert(ctx context.Context, userID, entryID string, vec []float32) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("index unavailable")
	}
	return f.Index.Insert(ctx, userID, entryID, vec)
}

func TestSetTunablesNormalizesWeights(t *testing.T) {
	e, _ := newTestEngine(t)

	tests := []struct {
		name       string
		sim, decay float64
		wantSim    float64
		wantDecay  float64
	}{
		{"already normalized", 0.7, 0.3, 0.7, 0.3},
		{"scaled", 7, 3, 0.7, 0.3},
		{"decay dominant is swapped", 0.2, 0.8, 0.8, 0.2},
		{"zero falls back to defaults", 0, 0, 0.7, 0.3},
		{"negative falls back to defaults", -1, 2, 0.7, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tun := DefaultTunables()
			tun.SimilarityWeight, tun.DecayWeight = tt.sim, tt.decay
			e.SetTunables(tun)
			got := e.Tunables()
			if math.Abs(got.SimilarityWeight-tt.wantSim) > 1e-9 || math.Abs(got.DecayWeight-tt.wantDecay) > 1e-9 {
				t.Errorf("weights = %v/%v, want %v/%v", got.SimilarityWeight, got.DecayWeight, tt.wantSim, tt.wantDecay)
			}
		})
	}
}

func TestSetTunablesFillsInvalidValues(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SetTunables(Tunables{SimilarityWeight: 1, DecayWeight: 1})

	got := e.Tunables()
	d := DefaultTunables()
	if got.DuplicateThreshold != d.DuplicateThreshold {
		t.Errorf("DuplicateThreshold = %v, want %v", got.DuplicateThreshold, d.DuplicateThreshold)
	}
	if got.MinCandidates != d.MinCandidates {
		t.Errorf("MinCandidates = %d, want %d", got.MinCandidates, d.MinCandidates)
	}
	if got.Decay != d.Decay {
		t.Errorf("Decay = %+v, want %+v", got.Decay, d.Decay)
	}
	if got.SimilarityWeight != 0.5 || got.DecayWeight != 0.5 {
		t.Errorf("weights = %v/%v, want 0.5/0.5", got.SimilarityWeight, got.DecayWeight)
	}
}

func TestNewIDSortsInCreationOrder(t *testing.T) {
	e, _ := newTestEngine(t)

	var prev string
	for i := 0; i < 100; i++ {
		id, err := e.newID(t0)
		if err != nil {
			t.Fatalf("newID: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d = %s, not after %s", i, id, prev)
		}
		prev = id
	}
}

func TestLoadIndexRebuildsFromStore(t *testing.T) {
	db := testDB(t)
	e1, _ := newTestEngineWith(t, db, index.NewHashEmbedder(index.DefaultDimensions))
	first := ingest(t, e1, "u1", model.ContentDocument, "Roadmap", "roadmap notes on growth strategy")
	ingest(t, e1, "u1", model.ContentArticle, "Hiring", "hiring plan for the platform team")
	ingest(t, e1, "u2", model.ContentDocument, "Budget", "infrastructure budget review")

	e2, _ := newTestEngineWith(t, db, index.NewHashEmbedder(index.DefaultDimensions))
	n, err := e2.LoadIndex(context.Background())
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if n != 3 {
		t.Errorf("loaded = %d, want 3", n)
	}
	if c := e2.Index.Count("u1"); c != 2 {
		t.Errorf("Count(u1) = %d, want 2", c)
	}

	ctx, err := e2.Retrieve(context.Background(), "u1", model.RetrieveRequest{
		Query: "growth strategy", MaxTokens: 800, MaxSources: 1,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(ctx.Sources) != 1 || ctx.Sources[0].EntryID != first.EntryID {
		t.Errorf("sources = %+v, want %s", ctx.Sources, first.EntryID)
	}
}

func TestLoadIndexSkipsOtherModels(t *testing.T) {
	db := testDB(t)
	e1, _ := newTestEngineWith(t, db, index.NewHashEmbedder(index.DefaultDimensions))
	ingest(t, e1, "u1", model.ContentDocument, "Roadmap", "roadmap notes on growth strategy")

	e2, _ := newTestEngineWith(t, db, index.NewHashEmbedder(64))
	n, err := e2.LoadIndex(context.Background())
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if n != 0 {
		t.Errorf("loaded = %d, want 0", n)
	}
}

func TestUserLocksAreIndependent(t *testing.T) {
	e, _ := newTestEngine(t)

	a := e.userLock("alice")
	if a != e.userLock("alice") {
		t.Error("userLock returned different locks for the same user")
	}
	if a == e.userLock("bob") {
		t.Error("userLock shared a lock across users")
	}

	a.Lock()
	defer a.Unlock()
	done := make(chan struct{})
	go func() {
		b := e.userLock("bob")
		b.Lock()
		b.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bob blocked on alice's lock")
	}
}

func TestStopWithoutScheduleIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Stop()
	e.Stop()
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("disk full")
	tests := []struct {
		err    *Error
		kind   string
		status int
	}{
		{ValidationError("ingest", "bad %s", "title"), KindValidation, 400},
		{NotFoundError("get_entry", "entry %s not found", "x"), KindNotFound, 404},
		{IndexingError("ingest", base), KindIndexing, 502},
		{&Error{Kind: KindTimeout, Op: "retrieve"}, KindTimeout, 504},
		{InternalError("ingest", base), KindInternal, 500},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.status {
				t.Errorf("HTTPStatusCode = %d, want %d", got, tt.status)
			}
			if !IsKind(tt.err, tt.kind) {
				t.Errorf("IsKind(%v, %s) = false", tt.err, tt.kind)
			}
			if KindOf(tt.err) != tt.kind {
				t.Errorf("KindOf = %s, want %s", KindOf(tt.err), tt.kind)
			}
		})
	}

	if !errors.Is(InternalError("x", base), base) {
		t.Error("InternalError does not unwrap to its cause")
	}
	if KindOf(base) != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", KindOf(base), KindInternal)
	}
	msg := ValidationError("ingest", "title must not be empty").Error()
	if !strings.Contains(msg, "validation_error") || !strings.Contains(msg, "ingest") {
		t.Errorf("Error() = %q", msg)
	}
}
