package audit

import (
	"context"
	"errors"
	"testing"

	"studyhall/api/internal/store"
)

type fakeAuditStore struct {
	activity   []store.ActivityEntry
	access     []store.AccessEntry
	viewBumps  int
	lastTouch  string
	failWrites bool
}

func (f *fakeAuditStore) InsertActivity(_ context.Context, entry store.ActivityEntry) error {
	if f.failWrites {
		return errors.New("store down")
	}
	f.activity = append(f.activity, entry)
	return nil
}

func (f *fakeAuditStore) InsertAccess(_ context.Context, entry store.AccessEntry) error {
	if f.failWrites {
		return errors.New("store down")
	}
	f.access = append(f.access, entry)
	return nil
}

func (f *fakeAuditStore) ListActivity(context.Context, string, int) ([]store.ActivityEntry, error) {
	return f.activity, nil
}

func (f *fakeAuditStore) ListAccess(context.Context, string, int) ([]store.AccessEntry, error) {
	return f.access, nil
}

func (f *fakeAuditStore) TouchAccess(_ context.Context, documentID, userID string, incrementView bool) error {
	if f.failWrites {
		return errors.New("store down")
	}
	f.lastTouch = userID
	if incrementView {
		f.viewBumps++
	}
	return nil
}

func TestRecordAccessViewBookkeeping(t *testing.T) {
	fake := &fakeAuditStore{}
	logger := NewLog(fake)

	logger.RecordAccess(context.Background(), store.AccessEntry{DocumentID: "doc-1", UserID: "u1", Action: "view"})
	logger.RecordAccess(context.Background(), store.AccessEntry{DocumentID: "doc-1", UserID: "u1", Action: "view"})
	logger.RecordAccess(context.Background(), store.AccessEntry{DocumentID: "doc-1", UserID: "u2", Action: "edit"})

	if len(fake.access) != 3 {
		t.Fatalf("access entries = %d, want 3", len(fake.access))
	}
	if fake.viewBumps != 2 {
		t.Fatalf("view bumps = %d, want 2 (one per view call, no dedup)", fake.viewBumps)
	}
	if fake.lastTouch != "u2" {
		t.Fatalf("last accessed by = %q, want u2", fake.lastTouch)
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	fake := &fakeAuditStore{failWrites: true}
	logger := NewLog(fake)

	// Must not panic or propagate; the primary operation stays successful.
	logger.Record(context.Background(), store.ActivityEntry{DocumentID: "doc-1", Action: "edited"})
	logger.RecordAccess(context.Background(), store.AccessEntry{DocumentID: "doc-1", Action: "view"})

	if len(fake.activity) != 0 || len(fake.access) != 0 {
		t.Fatal("failed writes must not be recorded")
	}
}

func TestBestEffortRunsAction(t *testing.T) {
	ran := false
	BestEffort("noop", func() error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatal("BestEffort must execute the action")
	}
}
