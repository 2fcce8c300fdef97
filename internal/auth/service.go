package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lyceum.org/internal/obs"
)

// ErrMFARequired means the password was accepted but a second factor is missing.
var ErrMFARequired = fmt.Errorf("%w: second factor required", ErrUnauthenticated)

// Service authenticates callers: login, refresh, logout and per-request credential checks.
type Service struct {
	users    UserStore
	creds    *CredentialStore
	tokens   *TokenIssuer
	sessions *SessionManager
	mfa      *MFAManager
	keys     *APIKeyRegistry
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithMFA enforces second factors for users who enabled them.
func WithMFA(m *MFAManager) ServiceOption {
	return func(s *Service) error {
		s.mfa = m
		return nil
	}
}

// WithAPIKeys enables API key authentication.
func WithAPIKeys(r *APIKeyRegistry) ServiceOption {
	return func(s *Service) error {
		s.keys = r
		return nil
	}
}

func NewService(users UserStore, creds *CredentialStore, tokens *TokenIssuer, sessions *SessionManager, opts ...ServiceOption) (*Service, error) {
	if users == nil || creds == nil || tokens == nil || sessions == nil {
		return nil, errors.New("auth service requires users, credentials, tokens and sessions")
	}
	svc := &Service{users: users, creds: creds, tokens: tokens, sessions: sessions}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// LoginRequest carries credentials and client metadata.
type LoginRequest struct {
	Email     string
	Password  string
	OTP       string
	IP        string
	UserAgent string
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token,omitempty"`
}

// Login verifies credentials and the second factor, then opens a session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (TokenPair, Principal, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrUnauthenticated
		}
		return TokenPair{}, Principal{}, err
	}
	if !user.Active {
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}
	ok, err := s.creds.Verify(req.Password, user.PasswordHash)
	if errors.Is(err, ErrUnavailable) {
		return TokenPair{}, Principal{}, err
	}
	if err != nil || !ok {
		obs.RecordAuthFailure("password")
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}
	s.upgradeHash(ctx, user, req.Password)

	if s.mfa != nil {
		required, err := s.mfa.Required(ctx, user.ID)
		if err != nil {
			return TokenPair{}, Principal{}, err
		}
		if required {
			if strings.TrimSpace(req.OTP) == "" {
				return TokenPair{}, Principal{}, ErrMFARequired
			}
			if err := s.mfa.Verify(ctx, user.ID, req.OTP); err != nil {
				obs.RecordAuthFailure("mfa")
				return TokenPair{}, Principal{}, err
			}
		}
	}

	sess, raw, err := s.sessions.Create(ctx, user.ID, req.IP, req.UserAgent, 0)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mint(user, sess)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair.SessionToken = raw
	return pair, Principal{User: user, Session: &sess}, nil
}

func (s *Service) upgradeHash(ctx context.Context, user User, password string) {
	if !s.creds.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.creds.Hash(password)
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		obs.Logger().WithError(err).WithField("user_id", user.ID).Warn("password rehash failed")
	}
}

// Refresh exchanges a refresh token for a new pair. The bound session must still validate.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	p, err := s.principalForClaims(ctx, claims)
	if err != nil {
		return TokenPair{}, err
	}
	return s.mint(p.User, *p.Session)
}

// Logout ends the session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Invalidate(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// AuthenticateToken resolves an access token to its principal.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.VerifyAccess(token)
	if err != nil {
		obs.RecordAuthFailure("token")
		return Principal{}, err
	}
	return s.principalForClaims(ctx, claims)
}

// AuthenticateSessionToken resolves a raw session token to its principal.
func (s *Service) AuthenticateSessionToken(ctx context.Context, token string) (Principal, error) {
	sess, err := s.sessions.Authenticate(ctx, token)
	if err != nil {
		obs.RecordAuthFailure("session")
		return Principal{}, err
	}
	user, err := s.activeUser(ctx, sess.UserID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{User: user, Session: &sess}, nil
}

// AuthenticateAPIKey resolves a raw API key to its principal.
func (s *Service) AuthenticateAPIKey(ctx context.Context, raw string) (Principal, error) {
	if s.keys == nil {
		return Principal{}, ErrUnauthenticated
	}
	key, err := s.keys.Authenticate(ctx, raw)
	if err != nil {
		obs.RecordAuthFailure("api_key")
		return Principal{}, err
	}
	user, err := s.activeUser(ctx, key.UserID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{User: user, APIKey: &key}, nil
}

func (s *Service) principalForClaims(ctx context.Context, claims *Claims) (Principal, error) {
	userID, err := claims.UserID()
	if err != nil {
		return Principal{}, err
	}
	sess, err := s.sessions.Check(ctx, claims.SessionID)
	if err != nil {
		return Principal{}, err
	}
	if sess.UserID != userID {
		return Principal{}, ErrUnauthenticated
	}
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{User: user, Session: &sess}, nil
}

func (s *Service) activeUser(ctx context.Context, userID int64) (User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUnauthenticated
		}
		return User{}, err
	}
	if !user.Active {
		return User{}, ErrUnauthenticated
	}
	return user, nil
}

func (s *Service) mint(user User, sess Session) (TokenPair, error) {
	claims := Claims{Role: user.PrimaryRole, SessionID: sess.ID}
	claims.Subject = subjectOf(user.ID)
	access, err := s.tokens.CreateAccessToken(claims, 0)
	if err != nil {
		return TokenPair{}, err
	}
	// A refresh token never outlives its session.
	refreshTTL := sess.ExpiresAt.Sub(s.tokens.now())
	if refreshTTL > s.tokens.refreshTTL {
		refreshTTL = s.tokens.refreshTTL
	}
	if refreshTTL <= 0 {
		return TokenPair{}, ErrUnauthenticated
	}
	refresh, err := s.tokens.CreateRefreshToken(claims, refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokens.AccessTTL() / time.Second),
		SessionID:    sess.ID,
	}, nil
}
