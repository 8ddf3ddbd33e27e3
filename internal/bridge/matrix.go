package bridge

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mohammedshuaau/workplace/internal/config"
	"github.com/mohammedshuaau/workplace/internal/httpx"
	"github.com/mohammedshuaau/workplace/internal/matrix"
)

type Matrix struct {
	accounts *matrix.Accounts
	log      zerolog.Logger
}

var _ Provisioner = (*Matrix)(nil)

func NewMatrix(serverURL, sharedSecret string, log zerolog.Logger, opts ...httpx.Option) *Matrix {
	return &Matrix{accounts: matrix.NewAccounts(serverURL, sharedSecret, opts...), log: log}
}

func (m *Matrix) Provider() string  { return config.ProviderMatrix }
func (m *Matrix) ServerURL() string { return m.accounts.ServerURL() }

func (m *Matrix) EnsureAccount(ctx context.Context, acct Account) (Credentials, error) {
	username := Username(acct.Email, acct.UserID)
	session, err := m.accounts.Register(ctx, username, acct.Password, displayName(acct))
	if matrix.IsUserInUse(err) {
		m.log.Info().Str("username", username).Msg("matrix user exists, signing in")
		return m.Login(ctx, acct)
	}
	if err != nil {
		return Credentials{}, err
	}
	return m.credentials(session), nil
}

func (m *Matrix) Login(ctx context.Context, acct Account) (Credentials, error) {
	session, err := m.accounts.Login(ctx, Username(acct.Email, acct.UserID), acct.Password)
	if err != nil {
		return Credentials{}, err
	}
	return m.credentials(session), nil
}

func (m *Matrix) UpdatePassword(ctx context.Context, creds Credentials, current, next string) error {
	return m.accounts.ChangePassword(ctx, session(creds), current, next)
}

// UpdateProfile only syncs the display name; Matrix ids do not carry email.
func (m *Matrix) UpdateProfile(ctx context.Context, creds Credentials, profile Profile) error {
	if profile.Name == nil || *profile.Name == "" {
		return nil
	}
	return m.accounts.SetDisplayName(ctx, session(creds), *profile.Name)
}

func (m *Matrix) credentials(s matrix.Session) Credentials {
	return Credentials{
		Provider:    config.ProviderMatrix,
		UserID:      s.UserID,
		AccessToken: s.AccessToken,
		DeviceID:    s.DeviceID,
		ServerURL:   m.ServerURL(),
	}
}

func session(creds Credentials) matrix.Session {
	return matrix.Session{UserID: creds.UserID, AccessToken: creds.AccessToken, DeviceID: creds.DeviceID}
}

func displayName(acct Account) string {
	if acct.Name != "" {
		return acct.Name
	}
	local, _, _ := strings.Cut(acct.Email, "@")
	return local
}
