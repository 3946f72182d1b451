// Package autosave runs the per-editing-session save loop: a fixed-cadence
// tick that persists dirty content exactly once per dirty interval. Each
// open editor owns one Session with a required Start/Stop lifecycle; Stop
// flushes final dirty content so closing an editor never silently drops
// edits.
package autosave

import (
	"bytes"
	"context"
	"sync"
	"time"

	"studyhall/api/internal/content"
)

type State string

const (
	StateIdle   State = "idle"
	StateDirty  State = "dirty"
	StateSaving State = "saving"
	StateSaved  State = "saved"
	StateError  State = "error"
)

// CommitFunc persists the buffer. bump carries the pending one-shot version
// request through to the commit path.
type CommitFunc func(ctx context.Context, body content.Content, bump bool) error

type Session struct {
	interval time.Duration
	commit   CommitFunc

	mu          sync.Mutex
	state       State
	buffer      content.Content
	baseline    []byte // canonical form of the last successful save
	pendingBump bool

	ticker   *time.Ticker
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

func NewSession(interval time.Duration, initial content.Content, commit CommitFunc) *Session {
	baseline, _ := initial.Canonical()
	return &Session{
		interval: interval,
		commit:   commit,
		state:    StateIdle,
		buffer:   initial,
		baseline: baseline,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches the tick loop. Save and comparison run synchronously inside
// the tick handler, so a slow save delays the next tick instead of
// overlapping it; the interval is a minimum spacing, not a guarantee.
func (s *Session) Start(ctx context.Context) {
	s.ticker = time.NewTicker(s.interval)
	go func() {
		defer close(s.loopDone)
		for {
			select {
			case <-s.ticker.C:
				_ = s.Flush(ctx)
			case <-s.done:
				return
			}
		}
	}()
}

// Update replaces the editing buffer after a local content mutation.
func (s *Session) Update(body content.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = body
	s.state = StateDirty
}

// ApplyRemote folds an external feed update into the buffer, but only while
// the buffer is clean; a dirty local buffer is owned by the editor and must
// not be clobbered by remote writes.
func (s *Session) ApplyRemote(body content.Content) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDirty || s.state == StateSaving || s.state == StateError {
		return false
	}
	s.buffer = body
	s.baseline, _ = body.Canonical()
	return true
}

// RequestBump arms the one-shot version flag consumed by the next committed
// save.
func (s *Session) RequestBump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingBump = true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Flush saves the buffer if it differs by value from the last saved
// serialization. On failure the baseline is not advanced, so the next tick
// retries; there is no retry cap.
//
// The commit callback runs without the session mutex held. Callbacks fan out
// to sibling sessions on the same document, so holding the lock across the
// commit would order locks differently in each session and deadlock
// concurrent flushes.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateSaving {
		// a save is already in flight; its baseline update covers us
		s.mu.Unlock()
		return nil
	}
	canonical, err := s.buffer.Canonical()
	if err != nil {
		s.state = StateError
		s.mu.Unlock()
		return err
	}
	if bytes.Equal(canonical, s.baseline) {
		if s.state == StateDirty {
			s.state = StateSaved
		}
		s.mu.Unlock()
		return nil
	}
	s.state = StateSaving
	body := s.buffer
	bump := s.pendingBump
	s.mu.Unlock()

	err = s.commit(ctx, body, bump)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateError
		return err
	}
	if bump {
		s.pendingBump = false
	}
	s.baseline = canonical
	// an Update that raced the commit keeps the session dirty
	if s.state == StateSaving {
		s.state = StateSaved
	}
	return nil
}

// Stop cancels the tick loop and force-flushes any final dirty content.
func (s *Session) Stop(ctx context.Context) error {
	var flushErr error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.ticker != nil {
			s.ticker.Stop()
			<-s.loopDone
		}
		flushErr = s.Flush(ctx)
	})
	return flushErr
}
