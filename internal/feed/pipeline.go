// Package feed implements the broad-query-then-filter pipeline for live
// document listings. The store cannot express "visible to me" as one query
// (it spans ownership OR sharing OR visibility class), so each subscription
// runs a cheap role-scoped superset query and re-filters every batch through
// the access predicate before delivery.
package feed

import (
	"context"
	"fmt"
	"log"
	"sync"

	"studyhall/api/internal/access"
	"studyhall/api/internal/roles"
	"studyhall/api/internal/store"

	"github.com/redis/go-redis/v9"
)

const changeChannel = "studyhall:documents:changed"

// DocumentLister is the broad-query surface of the store.
type DocumentLister interface {
	ListDocuments(ctx context.Context) ([]store.Document, error)
	ListDocumentsBySchool(ctx context.Context, schoolID string) ([]store.Document, error)
}

type Pipeline struct {
	client *redis.Client
	store  DocumentLister
}

func New(client *redis.Client, lister DocumentLister) *Pipeline {
	return &Pipeline{client: client, store: lister}
}

func NewFromURL(redisURL string, lister DocumentLister) (*Pipeline, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, lister), nil
}

func (p *Pipeline) Close() error {
	return p.client.Close()
}

// Publish notifies all subscriptions that a document changed. Best-effort:
// a lost notification only delays the next delivery.
func (p *Pipeline) Publish(ctx context.Context, documentID string) {
	if err := p.client.Publish(ctx, changeChannel, documentID).Err(); err != nil {
		log.Printf("feed: publish change for %s: %v", documentID, err)
	}
}

// Subscribe delivers the complete filtered document set for the viewer, once
// immediately and again after every change notification. Each onChange call
// is a full-state replace, already sorted updatedAt-descending. onError
// fires at most once and terminates the subscription; callers re-subscribe
// to recover. The returned cancel func releases the underlying feed and must
// be called, or the live subscription leaks.
func (p *Pipeline) Subscribe(ctx context.Context, viewer access.Viewer, onChange func([]store.Document), onError func(error)) (func(), error) {
	initial, err := p.snapshot(ctx, viewer)
	if err != nil {
		return nil, err
	}

	pubsub := p.client.Subscribe(ctx, changeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}

	onChange(initial)

	var once sync.Once
	fail := func(err error) {
		once.Do(func() {
			if onError != nil {
				onError(err)
			}
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range pubsub.Channel() {
			filtered, err := p.snapshot(ctx, viewer)
			if err != nil {
				fail(err)
				_ = pubsub.Close()
				return
			}
			onChange(filtered)
		}
	}()

	cancel := func() {
		_ = pubsub.Close()
		<-done
	}
	return cancel, nil
}

// snapshot runs the role-scoped broad query and applies the authoritative
// permission predicate, preserving the store's ordering.
func (p *Pipeline) snapshot(ctx context.Context, viewer access.Viewer) ([]store.Document, error) {
	var docs []store.Document
	var err error
	switch viewer.Role {
	case roles.RolePlatformAdmin:
		docs, err = p.store.ListDocuments(ctx)
	case roles.RoleSchoolAdmin:
		docs, err = p.store.ListDocumentsBySchool(ctx, viewer.SchoolID)
	default:
		docs, err = p.store.ListDocuments(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("broad query: %w", err)
	}
	return access.FilterVisible(docs, viewer), nil
}
