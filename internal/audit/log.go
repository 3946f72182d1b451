// Package audit keeps the append-only activity feed and access trail. Log
// writes never fail the operation they describe.
package audit

import (
	"context"

	"studyhall/api/internal/store"
)

type Store interface {
	InsertActivity(ctx context.Context, entry store.ActivityEntry) error
	InsertAccess(ctx context.Context, entry store.AccessEntry) error
	ListActivity(ctx context.Context, documentID string, limit int) ([]store.ActivityEntry, error)
	ListAccess(ctx context.Context, documentID string, limit int) ([]store.AccessEntry, error)
	TouchAccess(ctx context.Context, documentID, userID string, incrementView bool) error
}

type Log struct {
	store Store
}

func NewLog(store Store) *Log {
	return &Log{store: store}
}

// Record appends an activity entry, fire-and-forget.
func (l *Log) Record(ctx context.Context, entry store.ActivityEntry) {
	BestEffort("activity write", func() error {
		return l.store.InsertActivity(ctx, entry)
	})
}

// RecordAccess appends an access entry and updates the parent document's
// last-accessed bookkeeping. A view increments the raw view counter by one
// per call; rapid repeats are counted, not deduplicated.
func (l *Log) RecordAccess(ctx context.Context, entry store.AccessEntry) {
	BestEffort("access write", func() error {
		return l.store.InsertAccess(ctx, entry)
	})
	BestEffort("access touch", func() error {
		return l.store.TouchAccess(ctx, entry.DocumentID, entry.UserID, entry.Action == "view")
	})
}

func (l *Log) ListActivity(ctx context.Context, documentID string, limit int) ([]store.ActivityEntry, error) {
	return l.store.ListActivity(ctx, documentID, limit)
}

func (l *Log) ListAccess(ctx context.Context, documentID string, limit int) ([]store.AccessEntry, error) {
	return l.store.ListAccess(ctx, documentID, limit)
}
