package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrEmailTaken = errors.New("email already registered")

const uniqueViolation = "23505"

const userColumns = `id, email, password_hash, name, role, chat_provider, chat_user_id,
	chat_access_token, chat_device_id, created_at, updated_at, deleted_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var deletedAt sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.Role,
		&user.Chat.Provider,
		&user.Chat.UserID,
		&user.Chat.AccessToken,
		&user.Chat.DeviceID,
		&user.CreatedAt,
		&user.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return User{}, err
	}
	if deletedAt.Valid {
		user.DeletedAt = &deletedAt.Time
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, input NewUser) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		strings.TrimSpace(input.Email), input.PasswordHash, strings.TrimSpace(input.Name), input.Role,
	)
	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// DeleteUser removes the row outright. Only used to roll back a
// registration whose chat account could not be provisioned.
func (s *PostgresStore) DeleteUser(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteUser(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET deleted_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete user: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(email)=LOWER($1) AND deleted_at IS NULL
	`, strings.TrimSpace(email))
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id=$1 AND deleted_at IS NULL
	`, id)
	return scanUser(row)
}

func (s *PostgresStore) UpdateChatCredentials(ctx context.Context, id int64, creds ChatCredentials) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET chat_provider=$2, chat_user_id=$3, chat_access_token=$4, chat_device_id=$5, updated_at=NOW()
		WHERE id=$1
	`, id, creds.Provider, creds.UserID, creds.AccessToken, creds.DeviceID)
	if err != nil {
		return fmt.Errorf("update chat credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, id int64, patch ProfilePatch) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET name=COALESCE($2, name), email=COALESCE($3, email), updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
		RETURNING `+userColumns,
		id, nullableString(patch.Name), nullableString(patch.Email),
	)
	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("update profile: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, id, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// SearchUsers matches name or email case-insensitively among users that
// have a chat account, newest first.
func (s *PostgresStore) SearchUsers(ctx context.Context, query string, offset, limit int) (UserPage, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	const where = `
		WHERE deleted_at IS NULL
			AND chat_user_id <> ''
			AND (name ILIKE $1 OR email ILIKE $1)
	`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`+where, pattern).Scan(&total); err != nil {
		return UserPage{}, fmt.Errorf("count users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return UserPage{}, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return UserPage{}, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return UserPage{}, fmt.Errorf("iterate users: %w", err)
	}
	return UserPage{Users: users, Total: total}, nil
}

// ListSearchableUsers feeds the search index rebuild.
func (s *PostgresStore) ListSearchableUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE deleted_at IS NULL AND chat_user_id <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT rs.user_id
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deleted_at IS NULL
	`, tokenHash).Scan(&userID)
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// PurgeExpiredTokens drops revocation and refresh rows that can no longer
// match a live token.
func (s *PostgresStore) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	var purged int64
	for _, query := range []string{
		`DELETE FROM revoked_access_tokens WHERE expires_at <= NOW()`,
		`DELETE FROM refresh_sessions WHERE expires_at <= NOW() OR revoked_at IS NOT NULL`,
	} {
		result, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return purged, fmt.Errorf("purge expired tokens: %w", err)
		}
		affected, _ := result.RowsAffected()
		purged += affected
	}
	return purged, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.TrimSpace(*value), Valid: true}
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
