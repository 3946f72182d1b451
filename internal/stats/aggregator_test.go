package stats

import (
	"context"
	"testing"
	"time"

	"studyhall/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeOwnerLister struct {
	docs  []store.Document
	calls int
}

func (f *fakeOwnerLister) ListDocumentsByOwner(context.Context, string) ([]store.Document, error) {
	f.calls++
	return f.docs, nil
}

func ownedDocs() []store.Document {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []store.Document{
		{ID: "a", Title: "Essay", Type: "text", SizeBytes: 100, EditCount: 9, UpdatedAt: base.Add(time.Hour)},
		{ID: "b", Title: "Budget", Type: "spreadsheet", SizeBytes: 300, EditCount: 2, UpdatedAt: base.Add(3 * time.Hour), SharedWith: []string{"x", "y", "z"}},
		{ID: "c", Title: "Deck", Type: "presentation", SizeBytes: 200, EditCount: 5, UpdatedAt: base.Add(2 * time.Hour), SharedWith: []string{"x"}},
		{ID: "d", Title: "Notes", Type: "text", SizeBytes: 40, EditCount: 0, UpdatedAt: base},
	}
}

func TestComputeForOwnerRollups(t *testing.T) {
	lister := &fakeOwnerLister{docs: ownedDocs()}
	agg := New(lister, nil, time.Minute)

	result, err := agg.ComputeForOwner(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("ComputeForOwner() error = %v", err)
	}

	if result.TotalDocuments != 4 {
		t.Fatalf("total = %d, want 4", result.TotalDocuments)
	}
	if result.CountByType["text"] != 2 || result.CountByType["spreadsheet"] != 1 || result.CountByType["presentation"] != 1 {
		t.Fatalf("unexpected type counts: %+v", result.CountByType)
	}
	if result.TotalSizeBytes != 640 || result.AverageSizeBytes != 160 {
		t.Fatalf("sizes = %d/%d, want 640/160", result.TotalSizeBytes, result.AverageSizeBytes)
	}
	if result.MostActive[0].ID != "a" || result.MostActive[1].ID != "c" {
		t.Fatalf("unexpected most active: %+v", result.MostActive)
	}
	if result.RecentlyModified[0].ID != "b" {
		t.Fatalf("unexpected recently modified: %+v", result.RecentlyModified)
	}
	if result.MostShared[0].ID != "b" || result.MostShared[0].SharedCount != 3 {
		t.Fatalf("unexpected most shared: %+v", result.MostShared)
	}
}

func TestComputeForOwnerEmpty(t *testing.T) {
	agg := New(&fakeOwnerLister{}, nil, time.Minute)
	result, err := agg.ComputeForOwner(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("ComputeForOwner() error = %v", err)
	}
	if result.TotalDocuments != 0 || result.AverageSizeBytes != 0 {
		t.Fatalf("unexpected empty rollup: %+v", result)
	}
}

func TestCacheShortCircuitsRecompute(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lister := &fakeOwnerLister{docs: ownedDocs()}
	agg := New(lister, client, time.Minute)

	if _, err := agg.ComputeForOwner(context.Background(), "owner-1"); err != nil {
		t.Fatalf("first compute error = %v", err)
	}
	if _, err := agg.ComputeForOwner(context.Background(), "owner-1"); err != nil {
		t.Fatalf("second compute error = %v", err)
	}
	if lister.calls != 1 {
		t.Fatalf("store queried %d times, want 1 (cache hit)", lister.calls)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := agg.ComputeForOwner(context.Background(), "owner-1"); err != nil {
		t.Fatalf("post-expiry compute error = %v", err)
	}
	if lister.calls != 2 {
		t.Fatalf("store queried %d times, want recompute after TTL", lister.calls)
	}
}

func TestInvalidateDropsCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lister := &fakeOwnerLister{docs: ownedDocs()}
	agg := New(lister, client, time.Minute)

	if _, err := agg.ComputeForOwner(context.Background(), "owner-1"); err != nil {
		t.Fatalf("compute error = %v", err)
	}
	agg.Invalidate(context.Background(), "owner-1")
	if _, err := agg.ComputeForOwner(context.Background(), "owner-1"); err != nil {
		t.Fatalf("compute error = %v", err)
	}
	if lister.calls != 2 {
		t.Fatalf("store queried %d times, want 2 after invalidate", lister.calls)
	}
}
