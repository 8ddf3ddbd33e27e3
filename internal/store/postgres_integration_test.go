package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newMigratedStore(t *testing.T) *PostgresStore {
	t.Helper()
	db := openTestDB(t)
	if _, err := ApplyMigrations(context.Background(), db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestUserLifecyclePostgres(t *testing.T) {
	s := newMigratedStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, NewUser{Email: "Avery@Example.com", PasswordHash: "hash", Name: "Avery", Role: "USER"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.CreateUser(ctx, NewUser{Email: "avery@example.com", PasswordHash: "hash", Name: "Dup", Role: "USER"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	creds := ChatCredentials{Provider: "matrix", UserID: "@avery_1:local", AccessToken: "tok", DeviceID: "workplace_app"}
	if err := s.UpdateChatCredentials(ctx, user.ID, creds); err != nil {
		t.Fatalf("UpdateChatCredentials: %v", err)
	}

	byEmail, err := s.GetUserByEmail(ctx, "avery@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if byEmail.Chat != creds {
		t.Fatalf("expected chat creds %+v, got %+v", creds, byEmail.Chat)
	}

	page, err := s.SearchUsers(ctx, "aver", 0, 10)
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	if page.Total != 1 || len(page.Users) != 1 || page.Users[0].ID != user.ID {
		t.Fatalf("unexpected search page %+v", page)
	}

	name := "Avery Q"
	updated, err := s.UpdateProfile(ctx, user.ID, ProfilePatch{Name: &name})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.Name != name || updated.Email != user.Email {
		t.Fatalf("unexpected profile %+v", updated)
	}

	if err := s.SaveRefreshSession(ctx, "hash-1", user.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}
	if id, err := s.LookupRefreshSession(ctx, "hash-1"); err != nil || id != user.ID {
		t.Fatalf("LookupRefreshSession = %d, %v", id, err)
	}

	if err := s.SoftDeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("SoftDeleteUser: %v", err)
	}
	if _, err := s.GetUserByID(ctx, user.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected soft deleted user to be hidden, got %v", err)
	}
	if _, err := s.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected refresh session of deleted user to be invalid, got %v", err)
	}
	if err := s.SoftDeleteUser(ctx, user.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected second soft delete to report not found, got %v", err)
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Fatalf("escapeLike = %q", got)
	}
}
