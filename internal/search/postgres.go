package search

import (
	"context"

	"github.com/mohammedshuaau/workplace/internal/store"
)

// UserSource is the slice of the user store the directory reads.
type UserSource interface {
	SearchUsers(ctx context.Context, query string, offset, limit int) (store.UserPage, error)
	ListSearchableUsers(ctx context.Context) ([]store.User, error)
}

// Postgres searches the users table with ILIKE. It is always available.
type Postgres struct {
	users UserSource
}

func NewPostgres(users UserSource) *Postgres {
	return &Postgres{users: users}
}

func (p *Postgres) Search(ctx context.Context, q Query) (Page, error) {
	q = q.normalized()
	result, err := p.users.SearchUsers(ctx, q.Text, q.Offset(), q.Limit)
	if err != nil {
		return Page{}, err
	}
	page := Page{Users: make([]UserRecord, 0, len(result.Users)), Total: result.Total}
	for _, u := range result.Users {
		page.Users = append(page.Users, FromUser(u))
	}
	return page, nil
}

// Records loads every searchable user for a reindex.
func (p *Postgres) Records(ctx context.Context) ([]UserRecord, error) {
	users, err := p.users.ListSearchableUsers(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]UserRecord, 0, len(users))
	for _, u := range users {
		records = append(records, FromUser(u))
	}
	return records, nil
}
