// Package bridge provisions and signs in the chat server account that
// mirrors each app user.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammedshuaau/workplace/internal/config"
	"github.com/mohammedshuaau/workplace/internal/httpx"
)

// Account is the app side of a bridged user. Password is the plain app
// password, reused for the chat account.
type Account struct {
	UserID   string
	Email    string
	Name     string
	Password string
}

// Credentials is what a client needs to talk to the chat server directly.
type Credentials struct {
	Provider    string `json:"provider"`
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
	DeviceID    string `json:"deviceId,omitempty"`
	ServerURL   string `json:"serverUrl"`
}

// Profile carries optional profile changes; nil fields are left alone.
type Profile struct {
	Name  *string
	Email *string
}

type Provisioner interface {
	Provider() string
	ServerURL() string
	// EnsureAccount creates the chat account, or signs in when it already
	// exists.
	EnsureAccount(ctx context.Context, acct Account) (Credentials, error)
	Login(ctx context.Context, acct Account) (Credentials, error)
	UpdatePassword(ctx context.Context, creds Credentials, current, next string) error
	UpdateProfile(ctx context.Context, creds Credentials, profile Profile) error
}

// Username derives the chat username: the sanitized email local part and
// the app user id, e.g. "ada.l_42".
func Username(email, userID string) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.ToLower(local)
	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String() + "_" + userID
}

// New builds the provisioner for the configured chat provider.
func New(cfg config.Config, log zerolog.Logger) (Provisioner, error) {
	retries := httpx.WithRetries(3, 200*time.Millisecond, 3*time.Second)
	switch cfg.ChatProvider {
	case config.ProviderMatrix:
		return NewMatrix(cfg.MatrixServerURL, cfg.MatrixSharedSecret, log, retries), nil
	case config.ProviderMattermost:
		return NewMattermost(cfg.MattermostServerURL, cfg.MattermostAdminToken, cfg.MattermostDefaultTeam, log, retries), nil
	}
	return nil, fmt.Errorf("unsupported chat provider %q", cfg.ChatProvider)
}
