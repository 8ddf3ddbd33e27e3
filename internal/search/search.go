// Package search is the user directory: Meilisearch when reachable, the
// Postgres user table otherwise.
package search

import (
	"context"
	"time"

	"github.com/mohammedshuaau/workplace/internal/store"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// UserRecord is what the directory returns and what the index stores.
type UserRecord struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	ChatUserID string `json:"chatUserId"`
	HasChat    bool   `json:"hasChat"`
	CreatedAt  int64  `json:"createdAt"`
}

// Query is a one-based page of a name or email search.
type Query struct {
	Text  string
	Page  int
	Limit int
}

func (q Query) normalized() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

func (q Query) Offset() int {
	return (q.Page - 1) * q.Limit
}

type Page struct {
	Users []UserRecord
	Total int
}

// Pages is the page count for total hits at this query's limit.
func (q Query) Pages(total int) int {
	if q.Limit <= 0 {
		return 0
	}
	return (total + q.Limit - 1) / q.Limit
}

// Searcher executes a directory search.
type Searcher interface {
	Search(ctx context.Context, q Query) (Page, error)
}

// Index is a search backend that can go away and come back.
type Index interface {
	Searcher
	Healthy() bool
	Upsert(ctx context.Context, users []UserRecord) error
	Delete(ctx context.Context, id int64) error
}

func FromUser(u store.User) UserRecord {
	return UserRecord{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Role:       u.Role,
		ChatUserID: u.Chat.UserID,
		HasChat:    u.HasChatAccount(),
		CreatedAt:  u.CreatedAt.UnixMilli(),
	}
}

func (r UserRecord) Created() time.Time {
	return time.UnixMilli(r.CreatedAt)
}
