package search

import (
	"context"
	"log"

	"doclib/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexFileEntry indexes a file entry (fire-and-forget to Meilisearch).
func (s *Service) IndexFileEntry(entry store.FileEntry) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordOf(entry)
	go func() {
		if err := s.meili.IndexFileEntry(record); err != nil {
			log.Printf("search: index file entry %d: %v", record.ID, err)
		}
	}()
}

// DeleteFileEntry removes a file entry from the search index (fire-and-forget).
func (s *Service) DeleteFileEntry(fileEntryID int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteFileEntry(fileEntryID); err != nil {
			log.Printf("search: delete file entry %d: %v", fileEntryID, err)
		}
	}()
}

// ReindexAllFromPG pushes every searchable file entry from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexFileEntries(records); err != nil {
		log.Printf("search: reindex file entries: %v", err)
		return
	}
	log.Printf("search: reindexed %d file entries", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
