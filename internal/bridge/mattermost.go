package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mohammedshuaau/workplace/internal/config"
	"github.com/mohammedshuaau/workplace/internal/httpx"
	"github.com/mohammedshuaau/workplace/internal/mattermost"
)

// Mattermost provisions users with an admin token. Sessions carry no
// device id.
type Mattermost struct {
	admin       *mattermost.Client
	defaultTeam string
	log         zerolog.Logger
}

var _ Provisioner = (*Mattermost)(nil)

func NewMattermost(serverURL, adminToken, defaultTeam string, log zerolog.Logger, opts ...httpx.Option) *Mattermost {
	return &Mattermost{
		admin:       mattermost.NewClient(serverURL, adminToken, opts...),
		defaultTeam: defaultTeam,
		log:         log,
	}
}

func (m *Mattermost) Provider() string  { return config.ProviderMattermost }
func (m *Mattermost) ServerURL() string { return m.admin.ServerURL() }

// EnsureAccount creates the user when the email is unknown. An existing
// account whose password no longer matches gets it reset to the app
// password.
func (m *Mattermost) EnsureAccount(ctx context.Context, acct Account) (Credentials, error) {
	existing, err := m.admin.GetUserByEmail(ctx, acct.Email)
	if err != nil {
		return Credentials{}, err
	}
	if existing == nil {
		if err := m.create(ctx, acct); err != nil {
			return Credentials{}, err
		}
		return m.Login(ctx, acct)
	}

	creds, err := m.Login(ctx, acct)
	if err == nil {
		return creds, nil
	}
	m.log.Warn().Err(err).Str("mattermost_user", existing.ID).Msg("mattermost login failed, resetting password")
	if err := m.admin.UpdatePassword(ctx, existing.ID, acct.Password); err != nil {
		return Credentials{}, err
	}
	return m.Login(ctx, acct)
}

func (m *Mattermost) create(ctx context.Context, acct Account) error {
	user, err := m.admin.CreateUser(ctx, mattermost.CreateUserRequest{
		Email:     acct.Email,
		Username:  Username(acct.Email, acct.UserID),
		Password:  acct.Password,
		FirstName: acct.Name,
	})
	if err != nil {
		return err
	}
	if m.defaultTeam == "" {
		return nil
	}
	team, err := m.admin.TeamByName(ctx, m.defaultTeam)
	if err != nil {
		return err
	}
	if err := m.admin.AddTeamMember(ctx, team.ID, user.ID); err != nil {
		return fmt.Errorf("join %s: %w", m.defaultTeam, err)
	}
	return nil
}

func (m *Mattermost) Login(ctx context.Context, acct Account) (Credentials, error) {
	user, token, err := m.admin.Login(ctx, acct.Email, acct.Password)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		Provider:    config.ProviderMattermost,
		UserID:      user.ID,
		AccessToken: token,
		ServerURL:   m.ServerURL(),
	}, nil
}

// UpdatePassword uses the admin endpoint, so the current password is not
// needed.
func (m *Mattermost) UpdatePassword(ctx context.Context, creds Credentials, _, next string) error {
	return m.admin.UpdatePassword(ctx, creds.UserID, next)
}

func (m *Mattermost) UpdateProfile(ctx context.Context, creds Credentials, profile Profile) error {
	patch := mattermost.UserPatch{FirstName: profile.Name}
	if profile.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*profile.Email))
		patch.Email = &email
	}
	return m.admin.PatchUser(ctx, creds.UserID, patch)
}
