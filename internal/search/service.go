package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"collab/api/internal/collab"
)

type index interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  index
	fallback Searcher
	loader   func(ctx context.Context) ([]CommentRecord, error)
	logger   zerolog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger zerolog.Logger) *Service {
	s := &Service{logger: logger}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts.LoadAllRecords
	}
	return s
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS. Errors
// are logged and produce an empty response.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment pushes the comment to the index in the background. A deleted
// comment is removed instead so its text stops being searchable.
func (s *Service) IndexComment(comment collab.Comment) {
	if !s.primaryReady() {
		return
	}
	id := comment.ID.String()
	if comment.IsDeleted {
		s.background(func() {
			if err := s.primary.DeleteComment(id); err != nil {
				s.logger.Warn().Err(err).Str("commentId", id).Msg("delete comment from index")
			}
		})
		return
	}
	record := RecordFromComment(comment)
	s.background(func() {
		if err := s.primary.IndexComments([]CommentRecord{record}); err != nil {
			s.logger.Warn().Err(err).Str("commentId", id).Msg("index comment")
		}
	})
}

// ReindexAllFromPG pushes every live comment from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryReady() || s.loader == nil {
		return
	}
	records, err := s.loader(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.primary.IndexComments(records); err != nil {
		s.logger.Error().Err(err).Int("count", len(records)).Msg("reindex comments")
		return
	}
	s.logger.Info().Int("count", len(records)).Msg("reindexed comments")
}

func (s *Service) background(fn func()) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		fn()
	}()
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
