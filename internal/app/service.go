package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammedshuaau/workplace/internal/auth"
	"github.com/mohammedshuaau/workplace/internal/authpw"
	"github.com/mohammedshuaau/workplace/internal/bridge"
	"github.com/mohammedshuaau/workplace/internal/config"
	"github.com/mohammedshuaau/workplace/internal/rbac"
	"github.com/mohammedshuaau/workplace/internal/search"
	"github.com/mohammedshuaau/workplace/internal/store"
	"github.com/mohammedshuaau/workplace/internal/telemetry"
	"github.com/mohammedshuaau/workplace/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// AuthResult is returned by register and login: the app user, its session
// and the chat credentials the client uses to talk to the chat server.
type AuthResult struct {
	User    store.User
	Session Session
	Chat    bridge.Credentials
}

type dataStore interface {
	authpw.UserStore
	DeleteUser(context.Context, int64) error
	SoftDeleteUser(context.Context, int64) error
	UpdateChatCredentials(context.Context, int64, store.ChatCredentials) error
	UpdateProfile(context.Context, int64, store.ProfilePatch) (store.User, error)
	Ping(ctx context.Context) error
}

// sessionStore keeps refresh sessions and revoked access tokens. Both the
// Postgres store and the Redis store implement it.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, int64, time.Time) error
	LookupRefreshSession(context.Context, string) (int64, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type directory interface {
	SearchUsers(context.Context, search.Query) (search.Page, error)
	IndexUser(context.Context, store.User)
	DeleteUser(context.Context, int64)
}

// Pinger is an optional dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Chat     bridge.Provisioner
	Search   directory
	// Cache is the Redis session store when configured; nil otherwise.
	Cache  Pinger
	Logger zerolog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	auth     *authpw.Service
	chat     bridge.Provisioner
	search   directory
	cache    Pinger
	log      zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	sessions := deps.Sessions
	if sessions == nil {
		if fallback, ok := deps.Store.(sessionStore); ok {
			sessions = fallback
		}
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: sessions,
		auth:     authpw.NewService(deps.Store),
		chat:     deps.Chat,
		search:   deps.Search,
		cache:    deps.Cache,
		log:      deps.Logger,
	}
}

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (AuthResult, error) {
	log := telemetry.Logger(ctx, s.log)
	provider := s.chat.Provider()

	password := req.Password
	user, err := s.auth.Register(ctx, req)
	if err != nil {
		telemetry.RecordRegistration(provider, "rejected")
		return AuthResult{}, authError(err)
	}

	creds, err := s.chat.EnsureAccount(ctx, bridge.Account{
		UserID:   user.IDString(),
		Email:    user.Email,
		Name:     user.Name,
		Password: password,
	})
	if err == nil {
		err = s.saveChat(ctx, &user, creds)
	}
	if err != nil {
		telemetry.RecordProvision(provider, "error")
		telemetry.RecordRegistration(provider, "chat_failed")
		log.Error().Err(err).Int64("user_id", user.ID).Str("provider", provider).Msg("chat registration failed, rolling back user")
		if rbErr := s.store.DeleteUser(context.WithoutCancel(ctx), user.ID); rbErr != nil {
			log.Error().Err(rbErr).Int64("user_id", user.ID).Msg("rollback user")
		}
		return AuthResult{}, domainError(http.StatusInternalServerError, "CHAT_REGISTRATION_FAILED", "Chat registration failed", nil)
	}
	telemetry.RecordProvision(provider, "ok")

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return AuthResult{}, err
	}
	telemetry.RecordRegistration(provider, "ok")
	s.search.IndexUser(ctx, user)
	log.Info().Int64("user_id", user.ID).Str("chat_user_id", creds.UserID).Msg("user registered")
	return AuthResult{User: user, Session: session, Chat: creds}, nil
}

// Login checks the app password, then refreshes the chat session with the
// same password. A user registered before the chat account existed gets one
// here.
func (s *Service) Login(ctx context.Context, req authpw.LoginRequest) (AuthResult, error) {
	log := telemetry.Logger(ctx, s.log)
	user, err := s.auth.Authenticate(ctx, req)
	if err != nil {
		telemetry.RecordLogin("invalid")
		return AuthResult{}, authError(err)
	}

	provider := s.chat.Provider()
	creds, err := s.chat.EnsureAccount(ctx, bridge.Account{
		UserID:   user.IDString(),
		Email:    user.Email,
		Name:     user.Name,
		Password: req.Password,
	})
	if err != nil {
		telemetry.RecordProvision(provider, "error")
		telemetry.RecordLogin("chat_failed")
		log.Warn().Err(err).Int64("user_id", user.ID).Str("provider", provider).Msg("chat login failed")
		return AuthResult{}, domainError(http.StatusUnauthorized, "CHAT_AUTH_FAILED", "Chat authentication failed", nil)
	}
	telemetry.RecordProvision(provider, "ok")

	hadChat := user.HasChatAccount()
	if err := s.saveChat(ctx, &user, creds); err != nil {
		return AuthResult{}, err
	}
	if !hadChat {
		s.search.IndexUser(ctx, user)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return AuthResult{}, err
	}
	telemetry.RecordLogin("ok")
	return AuthResult{User: user, Session: session, Chat: creds}, nil
}

func (s *Service) saveChat(ctx context.Context, user *store.User, creds bridge.Credentials) error {
	chat := store.ChatCredentials{
		Provider:    creds.Provider,
		UserID:      creds.UserID,
		AccessToken: creds.AccessToken,
		DeviceID:    creds.DeviceID,
	}
	if user.Chat == chat {
		return nil
	}
	if err := s.store.UpdateChatCredentials(ctx, user.ID, chat); err != nil {
		return err
	}
	user.Chat = chat
	return nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "refreshToken is required", nil)
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.IDString(),
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token. Revoked tokens and tokens of
// deleted users are rejected as invalid.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Sub, 10, 64)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Me(ctx context.Context, session Session) (store.User, error) {
	if !s.Can(session.Role, rbac.ActionReadSelf) {
		return store.User{}, errForbidden
	}
	return s.store.GetUserByID(ctx, session.UserID)
}

// SearchUsers lists chat-enabled users matching text by name or email.
func (s *Service) SearchUsers(ctx context.Context, session Session, q search.Query) (search.Page, error) {
	if !s.Can(session.Role, rbac.ActionSearchUsers) {
		return search.Page{}, errForbidden
	}
	if q.Page < 1 || q.Limit < 1 || q.Limit > search.MaxLimit {
		return search.Page{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR",
			"Invalid pagination parameters. Page must be >= 1, limit must be between 1 and 100", nil)
	}
	return s.search.SearchUsers(ctx, q)
}

func (s *Service) GetUser(ctx context.Context, session Session, id int64) (store.User, error) {
	if !s.Can(session.Role, rbac.ActionReadUser) {
		return store.User{}, errForbidden
	}
	if id < 1 {
		return store.User{}, errInvalidUserID
	}
	user, err := s.store.GetUserByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, errUserNotFound
	}
	return user, err
}

// UpdateProfile changes the caller's name and email, then mirrors the change
// to the chat account and the search index.
func (s *Service) UpdateProfile(ctx context.Context, session Session, patch store.ProfilePatch) (store.User, error) {
	var problems []string
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			problems = append(problems, "name must not be empty")
		}
		patch.Name = &name
	}
	if patch.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*patch.Email))
		if !strings.Contains(email, "@") {
			problems = append(problems, "email must be a valid email address")
		}
		patch.Email = &email
	}
	if len(problems) > 0 {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", problems)
	}

	user, err := s.store.UpdateProfile(ctx, session.UserID, patch)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return store.User{}, errUserExists
		}
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, errUserNotFound
		}
		return store.User{}, err
	}

	if user.HasChatAccount() {
		err := s.chat.UpdateProfile(ctx, s.credentials(user), bridge.Profile{Name: patch.Name, Email: patch.Email})
		if err != nil {
			lg := telemetry.Logger(ctx, s.log)
			lg.Error().Err(err).Int64("user_id", user.ID).Msg("chat profile update failed")
			return store.User{}, domainError(http.StatusBadGateway, "CHAT_UPDATE_FAILED", "Chat profile update failed", nil)
		}
	}
	s.search.IndexUser(ctx, user)
	return user, nil
}

// ChangePassword updates the app password hash and the chat account
// password, which is kept equal to it.
func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	if err := s.auth.ChangePassword(ctx, session.UserID, current, next); err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return domainError(http.StatusBadRequest, "INVALID_PASSWORD", "Current password is incorrect", nil)
		}
		return authError(err)
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return err
	}
	if !user.HasChatAccount() {
		return nil
	}
	if err := s.chat.UpdatePassword(ctx, s.credentials(user), current, next); err != nil {
		lg := telemetry.Logger(ctx, s.log)
		lg.Error().Err(err).Int64("user_id", user.ID).Msg("chat password update failed")
		return domainError(http.StatusBadGateway, "CHAT_UPDATE_FAILED", "Chat password update failed", nil)
	}
	return nil
}

// DeleteUser soft-deletes a user and drops it from the directory. The chat
// account is left alone.
func (s *Service) DeleteUser(ctx context.Context, session Session, id int64) error {
	if !s.Can(session.Role, rbac.ActionDeleteUser) {
		return errForbidden
	}
	if id < 1 {
		return errInvalidUserID
	}
	if err := s.store.SoftDeleteUser(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errUserNotFound
		}
		return err
	}
	s.search.DeleteUser(ctx, id)
	lg := telemetry.Logger(ctx, s.log)
	lg.Info().Int64("user_id", id).Int64("by", session.UserID).Msg("user deleted")
	return nil
}

func (s *Service) credentials(user store.User) bridge.Credentials {
	return bridge.Credentials{
		Provider:    user.Chat.Provider,
		UserID:      user.Chat.UserID,
		AccessToken: user.Chat.AccessToken,
		DeviceID:    user.Chat.DeviceID,
		ServerURL:   s.chat.ServerURL(),
	}
}

// ChatServerURL is reported with chat credentials so clients can connect.
func (s *Service) ChatServerURL() string {
	return s.chat.ServerURL()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports the Redis state; ok is false when no cache is
// configured.
func (s *Service) PingCache(ctx context.Context) (ok bool, err error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}

func authError(err error) error {
	var verr *authpw.ValidationError
	switch {
	case errors.As(err, &verr):
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", verr.Problems)
	case errors.Is(err, authpw.ErrUserExists):
		return errUserExists
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials", nil)
	}
	return err
}
