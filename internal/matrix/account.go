package matrix

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/mohammedshuaau/workplace/internal/httpx"
)

const (
	registerPath = "/_synapse/admin/v1/register"
	passwordPath = "/_matrix/client/v3/account/password"

	// DeviceID and DeviceName identify sessions created for app users.
	DeviceID   = "workplace_app"
	DeviceName = "Workplace App"
)

// Session is an authenticated Matrix device.
type Session struct {
	UserID      string
	AccessToken string
	DeviceID    string
}

// Accounts performs account-level calls against a homeserver: shared-secret
// registration, password login and password or profile changes.
type Accounts struct {
	serverURL string
	secret    string
	http      *httpx.Client
}

func NewAccounts(serverURL, sharedSecret string, opts ...httpx.Option) *Accounts {
	client := httpx.New(serverURL, "", opts...)
	return &Accounts{serverURL: client.BaseURL(), secret: sharedSecret, http: client}
}

func (a *Accounts) ServerURL() string {
	return a.serverURL
}

// RegistrationMAC signs a non-admin registration the way Synapse and
// Dendrite verify it.
func RegistrationMAC(secret, nonce, username, password string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(nonce + "\x00" + username + "\x00" + password + "\x00notadmin"))
	return hex.EncodeToString(mac.Sum(nil))
}

// Register creates username with the shared registration secret.
func (a *Accounts) Register(ctx context.Context, username, password, displayName string) (Session, error) {
	var nonce struct {
		Nonce string `json:"nonce"`
	}
	if err := a.http.DoJSON(ctx, http.MethodGet, registerPath, nil, &nonce); err != nil {
		return Session{}, fmt.Errorf("registration nonce: %w", err)
	}
	if nonce.Nonce == "" {
		return Session{}, errors.New("registration nonce: empty nonce")
	}

	body := map[string]any{
		"nonce":       nonce.Nonce,
		"username":    username,
		"password":    password,
		"mac":         RegistrationMAC(a.secret, nonce.Nonce, username, password),
		"admin":       false,
		"displayname": displayName,
	}
	var resp struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
		DeviceID    string `json:"device_id"`
	}
	if err := a.http.DoJSON(ctx, http.MethodPost, registerPath, body, &resp); err != nil {
		return Session{}, fmt.Errorf("register %s: %w", username, err)
	}
	return Session{UserID: resp.UserID, AccessToken: resp.AccessToken, DeviceID: resp.DeviceID}, nil
}

// IsUserInUse reports whether a registration failed because the
// username is taken.
func IsUserInUse(err error) bool {
	return httpx.ErrorCode(err) == "M_USER_IN_USE"
}

// Login opens a session for username with the fixed app device.
func (a *Accounts) Login(ctx context.Context, username, password string) (Session, error) {
	client, err := mautrix.NewClient(a.serverURL, "", "")
	if err != nil {
		return Session{}, fmt.Errorf("matrix client: %w", err)
	}
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypePassword,
		Identifier:               mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: username},
		Password:                 password,
		DeviceID:                 id.DeviceID(DeviceID),
		InitialDeviceDisplayName: DeviceName,
	})
	if err != nil {
		return Session{}, fmt.Errorf("login %s: %w", username, err)
	}
	return Session{UserID: resp.UserID.String(), AccessToken: resp.AccessToken, DeviceID: resp.DeviceID.String()}, nil
}

// ChangePassword authenticates with the current password through
// user-interactive auth and keeps other devices signed in.
func (a *Accounts) ChangePassword(ctx context.Context, session Session, current, next string) error {
	body := map[string]any{
		"new_password":   next,
		"logout_devices": false,
		"auth": map[string]any{
			"type":     "m.login.password",
			"password": current,
			"identifier": map[string]string{
				"type": "m.id.user",
				"user": session.UserID,
			},
		},
	}
	if err := a.http.WithToken(session.AccessToken).DoJSON(ctx, http.MethodPost, passwordPath, body, nil); err != nil {
		return fmt.Errorf("change password of %s: %w", session.UserID, err)
	}
	return nil
}

func (a *Accounts) SetDisplayName(ctx context.Context, session Session, name string) error {
	client, err := mautrix.NewClient(a.serverURL, id.UserID(session.UserID), session.AccessToken)
	if err != nil {
		return fmt.Errorf("matrix client: %w", err)
	}
	if err := client.SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("set display name of %s: %w", session.UserID, err)
	}
	return nil
}
