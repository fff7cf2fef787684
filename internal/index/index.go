package index

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// tieSlack is how many extra neighbours are fetched so that equal
// similarities at the k boundary are resolved by entry id, not by
// collection order.
const tieSlack = 8

// Match is one nearest-neighbour hit.
type Match struct {
	EntryID    string
	Similarity float64
	Embedding  []float32
}

// Vector pairs an entry id with its embedding for bulk loading.
type Vector struct {
	EntryID   string
	Embedding []float32
}

// Index is an in-process ANN index with one chromem collection per user.
// Searches never cross users.
type Index struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// New creates an empty index.
func New() *Index {
	return &Index{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (ix *Index) collection(userID string, create bool) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[userID]
	ix.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// Double-check after acquiring write lock
	if col, ok := ix.collections[userID]; ok {
		return col, nil
	}

	col, err := ix.db.CreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	ix.collections[userID] = col
	return col, nil
}

// Insert adds an entry's vector to the user's collection.
func (ix *Index) Insert(ctx context.Context, userID, entryID string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("insert %s: empty vector", entryID)
	}
	col, err := ix.collection(userID, true)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        entryID,
		Embedding: vec,
		Metadata:  map[string]string{"user_id": userID},
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Load bulk-inserts a user's vectors, used to rebuild the index at startup.
func (ix *Index) Load(ctx context.Context, userID string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	col, err := ix.collection(userID, true)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, len(vectors))
	for i, v := range vectors {
		docs[i] = chromem.Document{
			ID:        v.EntryID,
			Embedding: v.Embedding,
			Metadata:  map[string]string{"user_id": userID},
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("load %d documents: %w", len(docs), err)
	}
	return nil
}

// Delete removes an entry from the user's collection. Unknown ids are ignored.
func (ix *Index) Delete(ctx context.Context, userID, entryID string) error {
	col, err := ix.collection(userID, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, entryID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Count returns the number of vectors indexed for a user.
func (ix *Index) Count(userID string) int {
	col, _ := ix.collection(userID, false)
	if col == nil {
		return 0
	}
	return col.Count()
}

// Search returns up to k of the user's entries nearest to vec, ordered by
// similarity descending then entry id ascending.
func (ix *Index) Search(ctx context.Context, userID string, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	col, err := ix.collection(userID, false)
	if err != nil || col == nil {
		return nil, err
	}
	total := col.Count()
	if total == 0 {
		return nil, nil
	}

	// chromem-go requires nResults <= collection size
	n := min(k+tieSlack, total)
	results, err := col.QueryEmbedding(ctx, vec, n, map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{EntryID: r.ID, Similarity: float64(r.Similarity), Embedding: r.Embedding}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].EntryID < matches[j].EntryID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Reset drops every user's collection.
func (ix *Index) Reset() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.db.Reset(); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	ix.collections = make(map[string]*chromem.Collection)
	return nil
}
