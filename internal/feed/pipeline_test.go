package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studyhall/api/internal/access"
	"studyhall/api/internal/roles"
	"studyhall/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeLister struct {
	mu   sync.Mutex
	docs []store.Document
	err  error
}

func (f *fakeLister) set(docs []store.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = docs
}

func (f *fakeLister) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeLister) ListDocuments(context.Context) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]store.Document(nil), f.docs...), nil
}

func (f *fakeLister) ListDocumentsBySchool(_ context.Context, schoolID string) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	items := make([]store.Document, 0)
	for _, doc := range f.docs {
		if doc.SchoolID == schoolID {
			items = append(items, doc)
		}
	}
	return items, nil
}

func setupPipeline(t *testing.T, lister DocumentLister) *Pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, lister)
}

func waitForBatch(t *testing.T, batches <-chan []store.Document) []store.Document {
	t.Helper()
	select {
	case batch := <-batches:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onChange delivery")
		return nil
	}
}

func TestSubscribeDeliversInitialFilteredSet(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]store.Document{
		{ID: "mine", OwnerID: "u1", Visibility: "private"},
		{ID: "theirs", OwnerID: "u2", Visibility: "private"},
		{ID: "shared", OwnerID: "u2", Visibility: "private", SharedWith: []string{"u1"}, SharedPermissions: map[string]string{"u1": "view"}},
	})
	pipeline := setupPipeline(t, lister)

	batches := make(chan []store.Document, 4)
	cancel, err := pipeline.Subscribe(context.Background(), access.Viewer{UserID: "u1", Role: roles.RoleStudent},
		func(docs []store.Document) { batches <- docs }, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	initial := waitForBatch(t, batches)
	if len(initial) != 2 || initial[0].ID != "mine" || initial[1].ID != "shared" {
		t.Fatalf("unexpected initial set: %+v", initial)
	}
}

func TestSubscribeRedeliversOnPublish(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]store.Document{{ID: "doc-1", OwnerID: "u1"}})
	pipeline := setupPipeline(t, lister)

	batches := make(chan []store.Document, 4)
	cancel, err := pipeline.Subscribe(context.Background(), access.Viewer{UserID: "u1", Role: roles.RoleStudent},
		func(docs []store.Document) { batches <- docs }, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	waitForBatch(t, batches)

	lister.set([]store.Document{
		{ID: "doc-2", OwnerID: "u1"},
		{ID: "doc-1", OwnerID: "u1"},
	})
	pipeline.Publish(context.Background(), "doc-2")

	next := waitForBatch(t, batches)
	if len(next) != 2 || next[0].ID != "doc-2" {
		t.Fatalf("expected full-state replace with store ordering, got %+v", next)
	}
}

func TestSubscribeErrorTerminates(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]store.Document{{ID: "doc-1", OwnerID: "u1"}})
	pipeline := setupPipeline(t, lister)

	errs := make(chan error, 2)
	batches := make(chan []store.Document, 4)
	cancel, err := pipeline.Subscribe(context.Background(), access.Viewer{UserID: "u1", Role: roles.RoleStudent},
		func(docs []store.Document) { batches <- docs },
		func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	waitForBatch(t, batches)

	lister.failWith(errors.New("store down"))
	pipeline.Publish(context.Background(), "doc-1")

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onError after broad query failure")
	}

	// Terminated: further publishes deliver nothing.
	lister.failWith(nil)
	pipeline.Publish(context.Background(), "doc-1")
	select {
	case batch := <-batches:
		t.Fatalf("unexpected delivery after termination: %+v", batch)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSchoolAdminScopedQuery(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]store.Document{
		{ID: "in-school", OwnerID: "u2", SchoolID: "school-1"},
		{ID: "elsewhere", OwnerID: "u3", SchoolID: "school-2"},
	})
	pipeline := setupPipeline(t, lister)

	batches := make(chan []store.Document, 4)
	cancel, err := pipeline.Subscribe(context.Background(),
		access.Viewer{UserID: "admin", Role: roles.RoleSchoolAdmin, SchoolID: "school-1"},
		func(docs []store.Document) { batches <- docs }, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	initial := waitForBatch(t, batches)
	if len(initial) != 1 || initial[0].ID != "in-school" {
		t.Fatalf("unexpected admin scope: %+v", initial)
	}
}
