package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyceum.org/internal/auth"
	"lyceum.org/internal/store/mem"
)

type serviceFixture struct {
	svc   *auth.Service
	store *mem.Store
	creds *auth.CredentialStore
	mfa   *auth.MFAManager
	keys  *auth.APIKeyRegistry
	clock *clock
	user  auth.User
}

func newService(t *testing.T) serviceFixture {
	t.Helper()
	c := &clock{t: time.Now().UTC().Truncate(time.Second)}
	store := mem.New()
	creds := newCredentials(t, auth.AlgBcrypt)
	hash, err := creds.Hash("s3cret-pass")
	require.NoError(t, err)
	u := store.AddUser(auth.User{Email: "teacher@example.org", Active: true, PrimaryRole: auth.RoleTeacher, PasswordHash: hash})

	tokens, err := auth.NewTokenIssuer(testSecret, auth.WithTokenClock(c.now))
	require.NoError(t, err)
	sessions, err := auth.NewSessionManager(store, auth.WithSessionClock(c.now))
	require.NoError(t, err)
	mfa, err := auth.NewMFAManager(store, store, auth.NewMFAProviderAt("Lyceum", c.now))
	require.NoError(t, err)
	keys, err := auth.NewAPIKeyRegistry(store, auth.WithAPIKeyClock(c.now))
	require.NoError(t, err)
	svc, err := auth.NewService(store, creds, tokens, sessions, auth.WithMFA(mfa), auth.WithAPIKeys(keys))
	require.NoError(t, err)
	return serviceFixture{svc: svc, store: store, creds: creds, mfa: mfa, keys: keys, clock: c, user: u}
}

func TestLoginIssuesWorkingCredentials(t *testing.T) {
	ctx := context.Background()
	f := newService(t)

	pair, p, err := f.svc.Login(ctx, auth.LoginRequest{Email: " Teacher@Example.org ", Password: "s3cret-pass", IP: "10.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, p.User.ID)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, 1800, pair.ExpiresIn)
	assert.NotEmpty(t, pair.SessionToken)

	byToken, err := f.svc.AuthenticateToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, pair.SessionID, byToken.Session.ID)

	bySession, err := f.svc.AuthenticateSessionToken(ctx, pair.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, bySession.User.ID)

	_, err = f.svc.AuthenticateToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated, "refresh tokens are not access tokens")

	refreshed, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, pair.SessionID, refreshed.SessionID)

	require.NoError(t, f.svc.Logout(ctx, pair.SessionID))
	_, err = f.svc.AuthenticateToken(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	ctx := context.Background()
	f := newService(t)
	f.store.AddUser(auth.User{Email: "off@example.org", Active: false, PasswordHash: f.user.PasswordHash})

	for _, req := range []auth.LoginRequest{
		{Email: "teacher@example.org", Password: "wrong"},
		{Email: "nobody@example.org", Password: "s3cret-pass"},
		{Email: "off@example.org", Password: "s3cret-pass"},
		{Email: "", Password: ""},
	} {
		_, _, err := f.svc.Login(ctx, req)
		assert.ErrorIs(t, err, auth.ErrUnauthenticated, req.Email)
	}
}

func TestLoginRequiresSecondFactor(t *testing.T) {
	ctx := context.Background()
	f := newService(t)
	enrollment, err := f.mfa.Enroll(ctx, f.user.ID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(enrollment.Secret, f.clock.now())
	require.NoError(t, err)
	require.NoError(t, f.mfa.Confirm(ctx, f.user.ID, code))

	_, _, err = f.svc.Login(ctx, auth.LoginRequest{Email: f.user.Email, Password: "s3cret-pass"})
	assert.ErrorIs(t, err, auth.ErrMFARequired)

	_, _, err = f.svc.Login(ctx, auth.LoginRequest{Email: f.user.Email, Password: "s3cret-pass", OTP: "000000"})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, _, err = f.svc.Login(ctx, auth.LoginRequest{Email: f.user.Email, Password: "s3cret-pass", OTP: enrollment.BackupCodes[0]})
	assert.NoError(t, err)
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	ctx := context.Background()
	f := newService(t)
	legacy := newCredentials(t, auth.AlgPBKDF2SHA256)
	hash, err := legacy.Hash("old-pass")
	require.NoError(t, err)
	u := f.store.AddUser(auth.User{Email: "legacy@example.org", Active: true, PrimaryRole: auth.RoleStudent, PasswordHash: hash})

	_, _, err = f.svc.Login(ctx, auth.LoginRequest{Email: u.Email, Password: "old-pass"})
	require.NoError(t, err)

	stored, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, f.creds.NeedsRehash(stored.PasswordHash))
	ok, err := f.creds.Verify("old-pass", stored.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthenticateAPIKeyRequiresActiveOwner(t *testing.T) {
	ctx := context.Background()
	f := newService(t)
	_, raw, err := f.keys.Issue(ctx, f.user.ID, "ci", []string{"content_read"}, 0)
	require.NoError(t, err)

	p, err := f.svc.AuthenticateAPIKey(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, p.APIKey)
	assert.Nil(t, p.Session)

	f.user.Active = false
	f.store.AddUser(f.user)
	_, err = f.svc.AuthenticateAPIKey(ctx, raw)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}
