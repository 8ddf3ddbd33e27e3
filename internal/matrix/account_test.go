package matrix

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammedshuaau/workplace/internal/httpx"
)

func TestRegistrationMAC(t *testing.T) {
	mac := hmac.New(sha1.New, []byte("secret"))
	mac.Write([]byte("abc\x00ada_1\x00pw\x00notadmin"))
	want := hex.EncodeToString(mac.Sum(nil))
	if got := RegistrationMAC("secret", "abc", "ada_1", "pw"); got != want {
		t.Fatalf("RegistrationMAC = %s, want %s", got, want)
	}
}

func newTestAccounts(t *testing.T, mux *http.ServeMux) *Accounts {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewAccounts(server.URL, "secret", httpx.WithRetries(0, time.Millisecond, time.Millisecond))
}

func TestRegisterWithSharedSecret(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_synapse/admin/v1/register", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"nonce":"n1"}`))
	})
	mux.HandleFunc("POST /_synapse/admin/v1/register", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		username, _ := body["username"].(string)
		if username == "taken_2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errcode":"M_USER_IN_USE","error":"User ID already taken."}`))
			return
		}
		if body["mac"] != RegistrationMAC("secret", "n1", username, "pw123456") || body["admin"] != false {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"HMAC incorrect"}`))
			return
		}
		if body["displayname"] != "Ada" {
			t.Errorf("unexpected display name %v", body["displayname"])
		}
		_, _ = w.Write([]byte(`{"user_id":"@ada_1:hs","access_token":"tok","device_id":"DEV"}`))
	})
	accounts := newTestAccounts(t, mux)
	ctx := context.Background()

	session, err := accounts.Register(ctx, "ada_1", "pw123456", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if session.UserID != "@ada_1:hs" || session.AccessToken != "tok" || session.DeviceID != "DEV" {
		t.Fatalf("unexpected session %+v", session)
	}

	_, err = accounts.Register(ctx, "taken_2", "pw123456", "Taken")
	if !IsUserInUse(err) {
		t.Fatalf("expected M_USER_IN_USE, got %v", err)
	}
}

func TestLoginUsesAppDevice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/client/v3/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type       string `json:"type"`
			Identifier struct {
				Type string `json:"type"`
				User string `json:"user"`
			} `json:"identifier"`
			Password    string `json:"password"`
			DeviceID    string `json:"device_id"`
			DisplayName string `json:"initial_device_display_name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Type != "m.login.password" || body.Identifier.User != "ada_1" || body.Password != "pw123456" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"Invalid password"}`))
			return
		}
		if body.DeviceID != DeviceID || body.DisplayName != DeviceName {
			t.Errorf("unexpected device %q %q", body.DeviceID, body.DisplayName)
		}
		_, _ = w.Write([]byte(`{"user_id":"@ada_1:hs","access_token":"tok2","device_id":"workplace_app"}`))
	})
	accounts := newTestAccounts(t, mux)

	session, err := accounts.Login(context.Background(), "ada_1", "pw123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.AccessToken != "tok2" || session.DeviceID != DeviceID {
		t.Fatalf("unexpected session %+v", session)
	}
	if _, err := accounts.Login(context.Background(), "ada_1", "wrong"); err == nil {
		t.Fatal("expected login failure")
	}
}

func TestChangePasswordSendsUserInteractiveAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/client/v3/account/password", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing user token")
		}
		var body struct {
			NewPassword string `json:"new_password"`
			Auth        struct {
				Type     string `json:"type"`
				Password string `json:"password"`
			} `json:"auth"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.NewPassword != "next-pw" || body.Auth.Type != "m.login.password" || body.Auth.Password != "old-pw" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{}`))
	})
	accounts := newTestAccounts(t, mux)
	err := accounts.ChangePassword(context.Background(), Session{UserID: "@ada_1:hs", AccessToken: "tok"}, "old-pw", "next-pw")
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
}
