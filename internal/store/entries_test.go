package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lazypower/compound/internal/model"
)

var testSeq atomic.Int64

func newTestEntry(userID, title string) *model.Entry {
	n := testSeq.Add(1)
	content := "content of " + title
	return &model.Entry{
		ID:             fmt.Sprintf("entry-%04d", n),
		UserID:         userID,
		ContentType:    model.ContentDocument,
		Title:          title,
		Content:        content,
		ContentPreview: model.Preview(content),
		EmbeddingID:    fmt.Sprintf("emb-%04d", n),
		IndexedAt:      time.UnixMilli(1_700_000_000_000 + n*1000).UTC(),
		RelevanceDecay: 1.0,
		Tags:           []string{"go"},
		SourceMetadata: map[string]any{"origin": "test"},
		TokenCount:     len(content) / 4,
	}
}

func TestCreateAndGetEntry(t *testing.T) {
	db := testDB(t)

	e := newTestEntry("u1", "first")
	e.SourceURL = "https://example.com/a"
	if err := db.CreateEntry(e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	got, err := db.GetEntry("u1", e.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.Title != "first" {
		t.Errorf("Title = %q, want first", got.Title)
	}
	if got.Content != e.Content {
		t.Errorf("Content = %q, want %q", got.Content, e.Content)
	}
	if !got.IndexedAt.Equal(e.IndexedAt) {
		t.Errorf("IndexedAt = %v, want %v", got.IndexedAt, e.IndexedAt)
	}
	if got.LastAccessedAt != nil {
		t.Errorf("LastAccessedAt = %v, want nil", got.LastAccessedAt)
	}
	if got.SourceURL != "https://example.com/a" {
		t.Errorf("SourceURL = %q", got.SourceURL)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "go" {
		t.Errorf("Tags = %v, want [go]", got.Tags)
	}
	if got.SourceMetadata["origin"] != "test" {
		t.Errorf("SourceMetadata = %v", got.SourceMetadata)
	}
	if got.RelatedEntries == nil || len(got.RelatedEntries) != 0 {
		t.Errorf("RelatedEntries = %#v, want empty slice", got.RelatedEntries)
	}
}

func TestGetEntryOtherUser(t *testing.T) {
	db := testDB(t)

	e := newTestEntry("u1", "private")
	if err := db.CreateEntry(e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	got, err := db.GetEntry("u2", e.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got != nil {
		t.Error("user u2 can read u1's entry")
	}
}

func TestCreateEntryDuplicateEmbedding(t *testing.T) {
	db := testDB(t)

	a := newTestEntry("u1", "a")
	b := newTestEntry("u1", "b")
	b.EmbeddingID = a.EmbeddingID

	if err := db.CreateEntry(a); err != nil {
		t.Fatalf("CreateEntry a: %v", err)
	}
	err := db.CreateEntry(b)
	if !errors.Is(err, ErrDuplicateEmbedding) {
		t.Fatalf("err = %v, want ErrDuplicateEmbedding", err)
	}
}

func TestListEntriesOrderAndFilter(t *testing.T) {
	db := testDB(t)

	var ids []string
	for i := 0; i < 5; i++ {
		e := newTestEntry("u1", fmt.Sprintf("entry %d", i))
		if i%2 == 1 {
			e.ContentType = model.ContentArticle
		}
		if err := db.CreateEntry(e); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
		ids = append(ids, e.ID)
	}
	if err := db.CreateEntry(newTestEntry("u2", "other user")); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	all, err := db.ListEntries("u1", ListOptions{})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	if all[0].ID != ids[4] || all[4].ID != ids[0] {
		t.Errorf("order = %s..%s, want most recent first", all[0].ID, all[4].ID)
	}
	for _, e := range all {
		if e.Content != "" {
			t.Errorf("list returned full content for %s", e.ID)
		}
	}

	page, err := db.ListEntries("u1", ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListEntries page: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[3] {
		t.Errorf("page = %v, want [%s %s]", page, ids[3], ids[2])
	}

	articles, err := db.ListEntries("u1", ListOptions{ContentType: "article"})
	if err != nil {
		t.Fatalf("ListEntries filter: %v", err)
	}
	if len(articles) != 2 {
		t.Errorf("articles = %d, want 2", len(articles))
	}

	n, err := db.CountEntries("u1", "")
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if n != 5 {
		t.Errorf("CountEntries = %d, want 5", n)
	}
}

func TestRecordAccess(t *testing.T) {
	db := testDB(t)

	a := newTestEntry("u1", "a")
	b := newTestEntry("u1", "b")
	for _, e := range []*model.Entry{a, b} {
		if err := db.CreateEntry(e); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
	}

	at := time.UnixMilli(1_800_000_000_000).UTC()
	// Duplicate ids count once.
	touched, err := db.RecordAccess("u1", []string{a.ID, a.ID}, at)
	if err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}
	if len(touched) != 1 || touched[0] != a.ID {
		t.Errorf("touched = %v, want [%s]", touched, a.ID)
	}

	got, _ := db.GetEntry("u1", a.ID)
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.AccessCount)
	}
	if got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(at) {
		t.Errorf("LastAccessedAt = %v, want %v", got.LastAccessedAt, at)
	}

	untouched, _ := db.GetEntry("u1", b.ID)
	if untouched.AccessCount != 0 || untouched.LastAccessedAt != nil {
		t.Errorf("b was touched: count=%d last=%v", untouched.AccessCount, untouched.LastAccessedAt)
	}

	// Another user's ids are ignored.
	touched, err = db.RecordAccess("u2", []string{b.ID}, at)
	if err != nil {
		t.Fatalf("RecordAccess u2: %v", err)
	}
	if len(touched) != 0 {
		t.Errorf("touched = %v for another user's id", touched)
	}
	untouched, _ = db.GetEntry("u1", b.ID)
	if untouched.AccessCount != 0 {
		t.Errorf("cross-user access recorded: %d", untouched.AccessCount)
	}

	// Deleted ids are not reported.
	if _, err := db.DeleteEntry("u1", b.ID); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	touched, err = db.RecordAccess("u1", []string{a.ID, b.ID}, at)
	if err != nil {
		t.Fatalf("RecordAccess after delete: %v", err)
	}
	if len(touched) != 1 || touched[0] != a.ID {
		t.Errorf("touched = %v, want [%s]", touched, a.ID)
	}
}

func TestUpdateDecayRelatedTags(t *testing.T) {
	db := testDB(t)

	a := newTestEntry("u1", "a")
	b := newTestEntry("u1", "b")
	for _, e := range []*model.Entry{a, b} {
		if err := db.CreateEntry(e); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
	}

	if err := db.UpdateDecay("u1", map[string]float64{a.ID: 0.25}); err != nil {
		t.Fatalf("UpdateDecay: %v", err)
	}
	if err := db.UpdateRelated("u1", a.ID, []string{b.ID}); err != nil {
		t.Fatalf("UpdateRelated: %v", err)
	}
	if err := db.UpdateTags("u1", a.ID, []string{"x", "y"}); err != nil {
		t.Fatalf("UpdateTags: %v", err)
	}

	got, _ := db.GetEntry("u1", a.ID)
	if got.RelevanceDecay != 0.25 {
		t.Errorf("RelevanceDecay = %v, want 0.25", got.RelevanceDecay)
	}
	if len(got.RelatedEntries) != 1 || got.RelatedEntries[0] != b.ID {
		t.Errorf("RelatedEntries = %v, want [%s]", got.RelatedEntries, b.ID)
	}
	if len(got.Tags) != 2 {
		t.Errorf("Tags = %v, want [x y]", got.Tags)
	}
}

func TestDeleteEntryRemovesVector(t *testing.T) {
	db := testDB(t)

	e := newTestEntry("u1", "doomed")
	if err := db.CreateEntry(e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := db.SaveVector("u1", e.ID, []float32{1, 0}, "hash"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}

	ok, err := db.DeleteEntry("u1", e.ID)
	if err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if !ok {
		t.Error("DeleteEntry reported nothing deleted")
	}
	v, _ := db.GetVector(e.ID)
	if v != nil {
		t.Error("vector survived entry deletion")
	}

	ok, _ = db.DeleteEntry("u1", e.ID)
	if ok {
		t.Error("second delete reported success")
	}
}

func TestSummarizeEntries(t *testing.T) {
	db := testDB(t)

	s, err := db.SummarizeEntries("nobody")
	if err != nil {
		t.Fatalf("SummarizeEntries: %v", err)
	}
	if s.Total != 0 || s.Oldest != nil || s.Newest != nil {
		t.Errorf("empty summary = %+v", s)
	}

	a := newTestEntry("u1", "a")
	b := newTestEntry("u1", "b")
	b.ContentType = model.ContentLink
	for _, e := range []*model.Entry{a, b} {
		if err := db.CreateEntry(e); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
	}

	s, err = db.SummarizeEntries("u1")
	if err != nil {
		t.Fatalf("SummarizeEntries: %v", err)
	}
	if s.Total != 2 {
		t.Errorf("Total = %d, want 2", s.Total)
	}
	if s.ByType["document"] != 1 || s.ByType["link"] != 1 {
		t.Errorf("ByType = %v", s.ByType)
	}
	if s.TotalTokens != a.TokenCount+b.TokenCount {
		t.Errorf("TotalTokens = %d, want %d", s.TotalTokens, a.TokenCount+b.TokenCount)
	}
	if !s.Oldest.Equal(a.IndexedAt) || !s.Newest.Equal(b.IndexedAt) {
		t.Errorf("range = %v..%v, want %v..%v", s.Oldest, s.Newest, a.IndexedAt, b.IndexedAt)
	}

	users, err := db.Users()
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Errorf("Users = %v, want [u1]", users)
	}
}
