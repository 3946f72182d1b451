package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studyhall/api/internal/content"
)

type commitRecorder struct {
	mu    sync.Mutex
	calls []struct {
		body content.Content
		bump bool
	}
	err error
}

func (c *commitRecorder) commit(_ context.Context, body content.Content, bump bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, struct {
		body content.Content
		bump bool
	}{body, bump})
	return nil
}

func (c *commitRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func text(html string) content.Content {
	return content.Content{Kind: content.KindText, HTML: html}
}

func TestFlushSkipsCleanBuffer(t *testing.T) {
	recorder := &commitRecorder{}
	session := NewSession(time.Hour, text("<p>a</p>"), recorder.commit)

	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if recorder.count() != 0 {
		t.Fatal("clean buffer must not trigger a save")
	}

	// Re-setting identical content marks dirty but compares equal by value.
	session.Update(text("<p>a</p>"))
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if recorder.count() != 0 {
		t.Fatal("identical content must not trigger a save")
	}
	if session.State() != StateSaved {
		t.Fatalf("state = %q, want saved", session.State())
	}
}

func TestFlushSavesDirtyOnce(t *testing.T) {
	recorder := &commitRecorder{}
	session := NewSession(time.Hour, text(""), recorder.commit)

	session.Update(text("<p>draft</p>"))
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if recorder.count() != 1 {
		t.Fatalf("saves = %d, want 1", recorder.count())
	}
	if session.State() != StateSaved {
		t.Fatalf("state = %q, want saved", session.State())
	}

	// Same dirty interval already persisted: nothing further to save.
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if recorder.count() != 1 {
		t.Fatal("unchanged buffer saved twice")
	}
}

func TestBumpFlagIsOneShot(t *testing.T) {
	recorder := &commitRecorder{}
	session := NewSession(time.Hour, text(""), recorder.commit)

	session.RequestBump()
	session.Update(text("<p>v2</p>"))
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	session.Update(text("<p>v2 more</p>"))
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if recorder.count() != 2 {
		t.Fatalf("saves = %d, want 2", recorder.count())
	}
	if !recorder.calls[0].bump {
		t.Fatal("first save must carry the requested bump")
	}
	if recorder.calls[1].bump {
		t.Fatal("bump flag must reset after being consumed")
	}
}

func TestErrorKeepsBaselineAndRetries(t *testing.T) {
	recorder := &commitRecorder{err: errors.New("store down")}
	session := NewSession(time.Hour, text(""), recorder.commit)

	session.RequestBump()
	session.Update(text("<p>draft</p>"))
	if err := session.Flush(context.Background()); err == nil {
		t.Fatal("expected Flush() to surface the save failure")
	}
	if session.State() != StateError {
		t.Fatalf("state = %q, want error", session.State())
	}

	// Next tick retries with the bump still pending.
	recorder.err = nil
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("retry Flush() error = %v", err)
	}
	if recorder.count() != 1 || !recorder.calls[0].bump {
		t.Fatalf("retry must save once with bump, got %+v", recorder.calls)
	}
}

func TestApplyRemoteOnlyWhenClean(t *testing.T) {
	recorder := &commitRecorder{}
	session := NewSession(time.Hour, text("<p>a</p>"), recorder.commit)

	if !session.ApplyRemote(text("<p>remote</p>")) {
		t.Fatal("clean buffer must accept remote updates")
	}

	session.Update(text("<p>local edit</p>"))
	if session.ApplyRemote(text("<p>remote 2</p>")) {
		t.Fatal("dirty buffer must not be clobbered by remote updates")
	}

	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if recorder.calls[0].body.HTML != "<p>local edit</p>" {
		t.Fatalf("local edit lost: %+v", recorder.calls[0].body)
	}
}

func TestStopFlushesFinalDirtyContent(t *testing.T) {
	recorder := &commitRecorder{}
	session := NewSession(time.Hour, text(""), recorder.commit)
	session.Start(context.Background())

	session.Update(text("<p>last words</p>"))
	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if recorder.count() != 1 {
		t.Fatalf("saves = %d, want final flush on close", recorder.count())
	}

	// Stop is idempotent.
	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

// Two editors on one document: each commit fans out to the sibling session
// via ApplyRemote, the way the service layer forwards committed bodies. With
// both commits in flight at once the flushes must still complete — the
// session lock may not be held across the commit callback.
func TestConcurrentCrossEditorFlushesComplete(t *testing.T) {
	var registry struct {
		mu       sync.Mutex
		sessions []*Session
	}
	ready := make(chan struct{}, 2)
	proceed := make(chan struct{})

	commitFor := func(self int) CommitFunc {
		return func(_ context.Context, body content.Content, _ bool) error {
			ready <- struct{}{}
			<-proceed
			registry.mu.Lock()
			defer registry.mu.Unlock()
			for i, other := range registry.sessions {
				if i != self {
					other.ApplyRemote(body)
				}
			}
			return nil
		}
	}

	a := NewSession(time.Hour, text(""), commitFor(0))
	b := NewSession(time.Hour, text(""), commitFor(1))
	registry.sessions = []*Session{a, b}

	a.Update(text("<p>from a</p>"))
	b.Update(text("<p>from b</p>"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, session := range registry.sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				_ = s.Flush(context.Background())
			}(session)
		}
		wg.Wait()
	}()

	<-ready
	<-ready
	close(proceed)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("concurrent flushes from two editors on the same document never completed")
	}
}

func TestTickerSavesInBackground(t *testing.T) {
	recorder := &commitRecorder{}
	session := NewSession(10*time.Millisecond, text(""), recorder.commit)
	session.Start(context.Background())
	defer func() { _ = session.Stop(context.Background()) }()

	session.Update(text("<p>typed</p>"))
	deadline := time.Now().Add(2 * time.Second)
	for recorder.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if recorder.count() == 0 {
		t.Fatal("ticker never saved dirty content")
	}
}
