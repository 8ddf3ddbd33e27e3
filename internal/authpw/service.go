// Package authpw provides email/password registration and sign-in for app
// users.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mohammedshuaau/workplace/internal/rbac"
	"github.com/mohammedshuaau/workplace/internal/store"
)

const (
	MinPasswordLength = 6
	bcryptCost        = 10
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	CreateUser(ctx context.Context, input store.NewUser) (store.User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
}

// Service provides email/password authentication
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

type RegisterRequest struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// Validate checks the request and normalizes email and role in place.
func (r *RegisterRequest) Validate() error {
	var problems []string
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if r.Name == "" {
		problems = append(problems, "name is required")
	}
	if !strings.Contains(r.Email, "@") {
		problems = append(problems, "email must be a valid email address")
	}
	if len(r.Password) < MinPasswordLength {
		problems = append(problems, fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if r.Role != "" && !rbac.Valid(r.Role) {
		problems = append(problems, "role must be USER or ADMIN")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	r.Role = string(rbac.Normalize(r.Role))
	return nil
}

// Register creates the user row. Chat provisioning is the caller's job.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	if err := req.Validate(); err != nil {
		return store.User{}, err
	}
	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return store.User{}, ErrUserExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.CreateUser(ctx, store.NewUser{
		Email:        req.Email,
		PasswordHash: hash,
		Name:         req.Name,
		Role:         req.Role,
	})
	if errors.Is(err, store.ErrEmailTaken) {
		return store.User{}, ErrUserExists
	}
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

type LoginRequest struct {
	Email    string
	Password string
}

// Authenticate checks the password. Unknown and soft-deleted users get the
// same error as a wrong password.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.DeletedAt != nil || !CheckPassword(user.PasswordHash, req.Password) {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPassword(user.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	if len(next) < MinPasswordLength {
		return &ValidationError{Problems: []string{fmt.Sprintf("password must be at least %d characters", MinPasswordLength)}}
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.store.UpdatePasswordHash(ctx, userID, hash)
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
