// Package stats computes per-owner document rollups. Each computation is a
// point-in-time pass over the owner's documents, O(count) per call, so a
// short-TTL Redis cache sits in front for dashboard traffic.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"studyhall/api/internal/store"

	"github.com/redis/go-redis/v9"
)

const topN = 5

type DocumentSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	EditCount   int       `json:"editCount"`
	SharedCount int       `json:"sharedCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type DocumentStatistics struct {
	OwnerID          string            `json:"ownerId"`
	TotalDocuments   int               `json:"totalDocuments"`
	CountByType      map[string]int    `json:"countByType"`
	TotalSizeBytes   int64             `json:"totalSizeBytes"`
	AverageSizeBytes int64             `json:"averageSizeBytes"`
	MostActive       []DocumentSummary `json:"mostActive"`
	RecentlyModified []DocumentSummary `json:"recentlyModified"`
	MostShared       []DocumentSummary `json:"mostShared"`
	ComputedAt       time.Time         `json:"computedAt"`
}

type OwnerLister interface {
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]store.Document, error)
}

type Aggregator struct {
	store OwnerLister
	cache *redis.Client // nil disables caching
	ttl   time.Duration
}

func New(lister OwnerLister, cache *redis.Client, ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Aggregator{store: lister, cache: cache, ttl: ttl}
}

func cacheKey(ownerID string) string {
	return "stats:owner:" + ownerID
}

func (a *Aggregator) ComputeForOwner(ctx context.Context, ownerID string) (DocumentStatistics, error) {
	if a.cache != nil {
		raw, err := a.cache.Get(ctx, cacheKey(ownerID)).Result()
		if err == nil {
			var cached DocumentStatistics
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return cached, nil
			}
		} else if err != redis.Nil {
			log.Printf("stats: cache read for %s: %v", ownerID, err)
		}
	}

	docs, err := a.store.ListDocumentsByOwner(ctx, ownerID)
	if err != nil {
		return DocumentStatistics{}, fmt.Errorf("list owner documents: %w", err)
	}
	computed := compute(ownerID, docs)

	if a.cache != nil {
		if raw, err := json.Marshal(computed); err == nil {
			if err := a.cache.Set(ctx, cacheKey(ownerID), raw, a.ttl).Err(); err != nil {
				log.Printf("stats: cache write for %s: %v", ownerID, err)
			}
		}
	}
	return computed, nil
}

// Invalidate drops the cached rollup after a write so dashboards converge
// faster than the TTL.
func (a *Aggregator) Invalidate(ctx context.Context, ownerID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Del(ctx, cacheKey(ownerID)).Err(); err != nil {
		log.Printf("stats: cache invalidate for %s: %v", ownerID, err)
	}
}

func compute(ownerID string, docs []store.Document) DocumentStatistics {
	result := DocumentStatistics{
		OwnerID:        ownerID,
		TotalDocuments: len(docs),
		CountByType:    map[string]int{},
		ComputedAt:     time.Now(),
	}
	for _, doc := range docs {
		result.CountByType[doc.Type]++
		result.TotalSizeBytes += doc.SizeBytes
	}
	if len(docs) > 0 {
		result.AverageSizeBytes = result.TotalSizeBytes / int64(len(docs))
	}

	result.MostActive = top(docs, func(a, b store.Document) bool {
		return a.EditCount > b.EditCount
	})
	result.RecentlyModified = top(docs, func(a, b store.Document) bool {
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	result.MostShared = top(docs, func(a, b store.Document) bool {
		return len(a.SharedWith) > len(b.SharedWith)
	})
	return result
}

func top(docs []store.Document, less func(a, b store.Document) bool) []DocumentSummary {
	sorted := append([]store.Document(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > topN {
		sorted = sorted[:topN]
	}
	summaries := make([]DocumentSummary, 0, len(sorted))
	for _, doc := range sorted {
		summaries = append(summaries, DocumentSummary{
			ID:          doc.ID,
			Title:       doc.Title,
			Type:        doc.Type,
			EditCount:   doc.EditCount,
			SharedCount: len(doc.SharedWith),
			UpdatedAt:   doc.UpdatedAt,
		})
	}
	return summaries
}
