package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/lazypower/compound/internal/model"
	"github.com/lazypower/compound/internal/store"
)

func TestCompactPersistsDecay(t *testing.T) {
	e, clk := newTestEngine(t)
	resp := ingest(t, e, "u1", model.ContentDocument, "Roadmap", "roadmap notes")
	clk.Advance(30 * day)

	res, err := e.Compact(context.Background(), "u1", CompactOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.EntriesScanned != 1 || res.DecayUpdated != 1 {
		t.Errorf("result = %+v", res)
	}
	got, _ := e.DB.GetEntry("u1", resp.EntryID)
	if !approx(got.RelevanceDecay, 0.5) {
		t.Errorf("stored decay = %v, want 0.5", got.RelevanceDecay)
	}

	res, err = e.Compact(context.Background(), "u1", CompactOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.DecayUpdated != 0 {
		t.Errorf("second pass DecayUpdated = %d, want 0", res.DecayUpdated)
	}
}

func TestCompactRemovesStaleOnlyWhenAsked(t *testing.T) {
	e, clk := newTestEngine(t)
	old := ingest(t, e, "u1", model.ContentDocument, "Old", "old roadmap notes")
	clk.Advance(91 * day)
	fresh := ingest(t, e, "u1", model.ContentLink, "Fresh", "fresh bookmark")

	res, err := e.Compact(context.Background(), "u1", CompactOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.StaleRemoved != 0 {
		t.Errorf("StaleRemoved = %d without RemoveStale", res.StaleRemoved)
	}

	res, err = e.Compact(context.Background(), "u1", CompactOptions{RemoveStale: true})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.StaleRemoved != 1 {
		t.Errorf("StaleRemoved = %d, want 1", res.StaleRemoved)
	}
	if got, _ := e.DB.GetEntry("u1", old.EntryID); got != nil {
		t.Error("stale entry still stored")
	}
	if got, _ := e.DB.GetEntry("u1", fresh.EntryID); got == nil {
		t.Error("fresh entry removed")
	}
	if n := e.Index.Count("u1"); n != 1 {
		t.Errorf("index count = %d, want 1", n)
	}

	events, _ := e.DB.ListEvents("u1", 10)
	var pruned bool
	for _, ev := range events {
		if ev.EventType == store.EventPrune && ev.Detail == old.EntryID {
			pruned = true
		}
	}
	if !pruned {
		t.Errorf("no prune event for %s in %+v", old.EntryID, events)
	}
}

func TestCompactMergesDuplicates(t *testing.T) {
	e, clk := newTestEngine(t)
	content := "Quarterly growth roadmap covering hiring plans and partner integrations."

	older, err := e.Ingest(context.Background(), "u1", model.IngestRequest{
		ContentType: "document", Title: "Roadmap", Content: content, Tags: []string{"planning"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	clk.Advance(day)
	newer, err := e.Ingest(context.Background(), "u1", model.IngestRequest{
		ContentType: "document", Title: "Roadmap", Content: content, Tags: []string{"growth"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	other := ingest(t, e, "u1", model.ContentLink, "Docs", "billing API reference")

	res, err := e.Compact(context.Background(), "u1", CompactOptions{MergeDuplicates: true})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.DuplicatesMerged != 1 {
		t.Fatalf("DuplicatesMerged = %d, want 1", res.DuplicatesMerged)
	}
	if got, _ := e.DB.GetEntry("u1", older.EntryID); got != nil {
		t.Error("older duplicate survived")
	}
	survivor, _ := e.DB.GetEntry("u1", newer.EntryID)
	if survivor == nil {
		t.Fatal("newer duplicate removed")
	}
	if strings.Join(survivor.Tags, ",") != "growth,planning" {
		t.Errorf("survivor tags = %v, want [growth planning]", survivor.Tags)
	}
	for _, id := range survivor.RelatedEntries {
		if id == older.EntryID {
			t.Error("survivor still links to merged entry")
		}
	}
	if got, _ := e.DB.GetEntry("u1", other.EntryID); got == nil {
		t.Error("unrelated entry removed")
	}
	if n := e.Index.Count("u1"); n != 2 {
		t.Errorf("index count = %d, want 2", n)
	}
}

func TestCompactRelinks(t *testing.T) {
	e, _ := newTestEngine(t)
	content := "Quarterly growth roadmap covering hiring plans and partner integrations."
	a := ingest(t, e, "u1", model.ContentDocument, "Roadmap", content)
	b := ingest(t, e, "u1", model.ContentDocument, "Roadmap", content)

	// Break the links so compaction has something to repair.
	if err := e.DB.UpdateRelated("u1", a.EntryID, nil); err != nil {
		t.Fatalf("UpdateRelated: %v", err)
	}
	if err := e.DB.UpdateRelated("u1", b.EntryID, nil); err != nil {
		t.Fatalf("UpdateRelated: %v", err)
	}

	res, err := e.Compact(context.Background(), "u1", CompactOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.LinksUpdated != 2 {
		t.Errorf("LinksUpdated = %d, want 2", res.LinksUpdated)
	}
	got, _ := e.DB.GetEntry("u1", a.EntryID)
	if len(got.RelatedEntries) != 1 || got.RelatedEntries[0] != b.EntryID {
		t.Errorf("a related = %v, want [%s]", got.RelatedEntries, b.EntryID)
	}
}

func TestCompactRecordsEvent(t *testing.T) {
	e, _ := newTestEngine(t)
	ingest(t, e, "u1", model.ContentDocument, "Roadmap", "roadmap notes")

	if _, err := e.Compact(context.Background(), "u1", CompactOptions{}); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	ev, err := e.DB.LastEvent("u1", store.EventCompounding)
	if err != nil || ev == nil {
		t.Fatalf("LastEvent: %v, %v", ev, err)
	}
	if ev.CreatedAt != t0.UnixMilli() {
		t.Errorf("CreatedAt = %d, want %d", ev.CreatedAt, t0.UnixMilli())
	}
	if !strings.Contains(ev.Detail, "scanned=1") {
		t.Errorf("Detail = %q", ev.Detail)
	}
}

func TestCompactRequiresUser(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Compact(context.Background(), " ", CompactOptions{}); !IsKind(err, KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestCompactAll(t *testing.T) {
	e, _ := newTestEngine(t)
	ingest(t, e, "alice", model.ContentDocument, "A", "alice notes")
	ingest(t, e, "bob", model.ContentDocument, "B", "bob notes")

	results, err := e.CompactAll(context.Background(), CompactOptions{})
	if err != nil {
		t.Fatalf("CompactAll: %v", err)
	}
	if len(results) != 2 || results[0].UserID != "alice" || results[1].UserID != "bob" {
		t.Errorf("results = %+v", results)
	}
}

func TestStartCompounding(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.StartCompounding("not a schedule", CompactOptions{}); err == nil {
		t.Error("invalid schedule accepted")
	}
	if err := e.StartCompounding("@every 1h", CompactOptions{}); err != nil {
		t.Fatalf("StartCompounding: %v", err)
	}
	if err := e.StartCompounding("", CompactOptions{}); err != nil {
		t.Fatalf("StartCompounding default: %v", err)
	}
	e.Stop()
}
