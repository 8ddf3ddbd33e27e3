package search

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mohammedshuaau/workplace/internal/store"
)

// Service is the facade that tries the index first and falls back to
// Postgres.
type Service struct {
	index    Index
	postgres *Postgres
	log      zerolog.Logger
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index Index, postgres *Postgres, log zerolog.Logger) *Service {
	return &Service{index: index, postgres: postgres, log: log}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// SearchUsers tries the index if healthy, otherwise falls back to Postgres.
func (s *Service) SearchUsers(ctx context.Context, q Query) (Page, error) {
	if s.indexReady() {
		page, err := s.index.Search(ctx, q)
		if err == nil {
			return page, nil
		}
		s.log.Warn().Err(err).Msg("search index failed, falling back to postgres")
	}
	return s.postgres.Search(ctx, q)
}

// IndexUser pushes the user to the index in the background. Users without
// a chat account are removed instead, since search only lists chat users.
func (s *Service) IndexUser(ctx context.Context, user store.User) {
	if !s.indexReady() {
		return
	}
	if !user.HasChatAccount() || user.DeletedAt != nil {
		s.DeleteUser(ctx, user.ID)
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.index.Upsert(ctx, []UserRecord{FromUser(user)}); err != nil {
			s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("index user")
		}
	}()
}

// DeleteUser removes a user from the index in the background.
func (s *Service) DeleteUser(ctx context.Context, id int64) {
	if !s.indexReady() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.index.Delete(ctx, id); err != nil {
			s.log.Warn().Err(err).Int64("user_id", id).Msg("delete user from index")
		}
	}()
}

// ReindexAll pushes every searchable user from Postgres into the index and
// reports how many were sent.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if !s.indexReady() {
		return 0, nil
	}
	records, err := s.postgres.Records(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.index.Upsert(ctx, records); err != nil {
		return 0, err
	}
	return len(records), nil
}
