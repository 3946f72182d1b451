// Package search provides full-text document search with a primary
// Meilisearch index and a Postgres tsvector fallback. Indexing is
// asynchronous and best-effort; a lost index update degrades ranking,
// not correctness.
package search

import (
	"context"
	"log"
	"strings"

	"studyhall/api/internal/content"
	"studyhall/api/internal/store"
)

type metaStore interface {
	UpsertSearchMeta(ctx context.Context, meta store.SearchMeta) error
}

// Service fronts the two backends: Meilisearch while healthy, Postgres
// full text otherwise.
type Service struct {
	meili    *Meili // nil when Meilisearch is not configured
	fallback *PGFTS
	store    metaStore
}

func NewService(meili *Meili, fallback *PGFTS, metaStore metaStore) *Service {
	return &Service{meili: meili, fallback: fallback, store: metaStore}
}

// Search dispatches to whichever backend is available.
func (s *Service) Search(q Query) (Response, error) {
	resp := Response{Results: []Result{}, Query: q.Text}
	if strings.TrimSpace(q.Text) == "" {
		return resp, nil
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			resp.Results = results
			resp.Total = total
			return resp, nil
		}
		log.Printf("search: meilisearch query failed, falling back to postgres: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		return resp, err
	}
	if results != nil {
		resp.Results = results
	}
	resp.Total = total
	return resp, nil
}

// IndexDocument refreshes the Postgres side table synchronously and pushes
// to Meilisearch in the background.
func (s *Service) IndexDocument(ctx context.Context, doc store.Document) {
	description := content.Describe(doc.Content)
	meta := store.SearchMeta{
		DocumentID:       doc.ID,
		TitleLower:       strings.ToLower(doc.Title),
		DescriptionLower: strings.ToLower(description),
	}
	if err := s.store.UpsertSearchMeta(ctx, meta); err != nil {
		log.Printf("search: upsert search meta for %s: %v", doc.ID, err)
	}

	if s.meili == nil {
		return
	}
	record := DocumentRecord{
		ID:          doc.ID,
		Title:       doc.Title,
		Description: description,
		Type:        doc.Type,
		SchoolID:    doc.SchoolID,
		OwnerID:     doc.OwnerID,
		Visibility:  doc.Visibility,
	}
	go func() {
		if err := s.meili.IndexDocument(record); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	}()
}

// DeleteDocument removes a document from Meilisearch. The Postgres side
// table row is removed by the store's cascading delete.
func (s *Service) DeleteDocument(id string) {
	if s.meili == nil {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			log.Printf("search: deindex document %s: %v", id, err)
		}
	}()
}
