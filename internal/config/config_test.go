package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("HTTP_PORT", "")
	t.Setenv("CHAT_PROVIDER", "")
	t.Setenv("ACCESS_TTL_SECONDS", "")

	cfg := Load()
	if cfg.Addr != ":4000" {
		t.Fatalf("expected default addr :4000, got %q", cfg.Addr)
	}
	if cfg.ChatProvider != ProviderMatrix {
		t.Fatalf("expected default provider matrix, got %q", cfg.ChatProvider)
	}
	if cfg.AccessTTL != 24*time.Hour {
		t.Fatalf("expected 24h access ttl, got %s", cfg.AccessTTL)
	}
	if cfg.MatrixServerURL != "http://dendrite:8008" {
		t.Fatalf("unexpected matrix url %q", cfg.MatrixServerURL)
	}
}

func TestLoadHTTPPort(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("HTTP_PORT", "5055")

	if addr := Load().Addr; addr != ":5055" {
		t.Fatalf("expected :5055, got %q", addr)
	}
}

func TestLoadInvalidIntFallsBack(t *testing.T) {
	t.Setenv("REFRESH_TTL_SECONDS", "soon")
	if ttl := Load().RefreshTTL; ttl != 30*24*time.Hour {
		t.Fatalf("expected fallback refresh ttl, got %s", ttl)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		DatabaseURL:        "postgres://localhost/workplace",
		JWTSecret:          "0123456789",
		ChatProvider:       ProviderMatrix,
		MatrixServerURL:    "http://matrix:8008",
		MatrixSharedSecret: "shared",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid matrix", mutate: func(*Config) {}},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "JWT_SECRET"},
		{name: "matrix without secret", mutate: func(c *Config) { c.MatrixSharedSecret = "" }, wantErr: "MATRIX_SHARED_SECRET"},
		{
			name: "mattermost without token",
			mutate: func(c *Config) {
				c.ChatProvider = ProviderMattermost
				c.MattermostServerURL = "http://mm:8065"
			},
			wantErr: "MATTERMOST_ADMIN_TOKEN",
		},
		{name: "unknown provider", mutate: func(c *Config) { c.ChatProvider = "irc" }, wantErr: "not supported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
