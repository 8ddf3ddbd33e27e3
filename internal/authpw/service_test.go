package authpw

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohammedshuaau/workplace/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[int64]store.User
	emailIndex map[string]int64
	nextID     int64
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[int64]store.User),
		emailIndex: make(map[string]int64),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if id, ok := m.emailIndex[strings.ToLower(email)]; ok {
		user := m.users[id]
		if user.DeletedAt == nil {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id int64) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) CreateUser(ctx context.Context, input store.NewUser) (store.User, error) {
	if _, ok := m.emailIndex[input.Email]; ok {
		return store.User{}, store.ErrEmailTaken
	}
	m.nextID++
	user := store.User{
		ID:           m.nextID,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		Name:         input.Name,
		Role:         input.Role,
	}
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return user, nil
}

func (m *mockUserStore) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	user, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = hash
	m.users[id] = user
	return nil
}

func TestRegister(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Name: " Ada ", Email: "Ada@Example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.ID == 0 || user.Email != "ada@example.com" || user.Name != "Ada" || user.Role != "USER" {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.PasswordHash == "secret1" || !CheckPassword(user.PasswordHash, "secret1") {
		t.Fatal("password must be stored as a bcrypt hash")
	}

	if _, err := svc.Register(ctx, RegisterRequest{Name: "Ada", Email: "ada@example.com", Password: "secret1"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	admin, err := svc.Register(ctx, RegisterRequest{Name: "Root", Email: "root@example.com", Password: "secret1", Role: "admin"})
	if err != nil || admin.Role != "ADMIN" {
		t.Fatalf("expected ADMIN role, got %+v %v", admin, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(newMockUserStore())
	_, err := svc.Register(context.Background(), RegisterRequest{Email: "not-an-email", Password: "123", Role: "owner"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Problems) != 4 {
		t.Fatalf("expected every problem reported, got %v", verr.Problems)
	}
}

func TestAuthenticate(t *testing.T) {
	mock := newMockUserStore()
	svc := NewService(mock)
	ctx := context.Background()
	user, err := svc.Register(ctx, RegisterRequest{Name: "Ada", Email: "ada@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := svc.Authenticate(ctx, LoginRequest{Email: "ADA@example.com ", Password: "secret1"})
	if err != nil || got.ID != user.ID {
		t.Fatalf("Authenticate: %+v %v", got, err)
	}

	tests := []LoginRequest{
		{Email: "ada@example.com", Password: "wrong-password"},
		{Email: "nobody@example.com", Password: "secret1"},
		{Email: "", Password: ""},
	}
	for _, req := range tests {
		if _, err := svc.Authenticate(ctx, req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Authenticate(%+v) = %v, want ErrInvalidCredentials", req, err)
		}
	}

	deletedAt := time.Now()
	deleted := mock.users[user.ID]
	deleted.DeletedAt = &deletedAt
	mock.users[user.ID] = deleted
	if _, err := svc.Authenticate(ctx, LoginRequest{Email: "ada@example.com", Password: "secret1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("soft-deleted user must not log in, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()
	user, err := svc.Register(ctx, RegisterRequest{Name: "Ada", Email: "ada@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.ChangePassword(ctx, user.ID, "wrong", "secret2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	var verr *ValidationError
	if err := svc.ChangePassword(ctx, user.ID, "secret1", "123"); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "secret1", "secret2"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := svc.Authenticate(ctx, LoginRequest{Email: "ada@example.com", Password: "secret2"}); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}
