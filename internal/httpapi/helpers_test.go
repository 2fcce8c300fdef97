package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"lyceum.org/internal/auth"
	"lyceum.org/internal/store/mem"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "correct-horse-battery"
)

type fixture struct {
	t     *testing.T
	api   *API
	srv   *httptest.Server
	store *mem.Store
	authz *auth.Authorizer
	creds *auth.CredentialStore
}

func newFixture(t *testing.T, opts Options, checks map[string]ReadyFunc) *fixture {
	t.Helper()
	ctx := context.Background()
	store := mem.New()
	require.NoError(t, store.SeedBuiltins(ctx))

	creds, err := auth.NewCredentialStore(auth.HasherConfig{
		Algorithms: []string{auth.AlgBcrypt},
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer(testSecret)
	require.NoError(t, err)
	sessions, err := auth.NewSessionManager(store)
	require.NoError(t, err)
	mfa, err := auth.NewMFAManager(store, store, auth.NewMFAProvider("Lyceum"))
	require.NoError(t, err)
	keys, err := auth.NewAPIKeyRegistry(store)
	require.NoError(t, err)
	svc, err := auth.NewService(store, creds, tokens, sessions, auth.WithMFA(mfa), auth.WithAPIKeys(keys))
	require.NoError(t, err)

	roles, err := auth.NewRoleManager(store)
	require.NoError(t, err)
	perms, err := auth.NewPermissionManager(store, roles)
	require.NoError(t, err)
	authz, err := auth.NewAuthorizer(store, roles, perms)
	require.NoError(t, err)

	if opts.LoginBurst == 0 {
		opts.LoginBurst = 100
		opts.LoginRate = 100
	}
	api, err := New(Deps{Auth: svc, Authz: authz, MFA: mfa, Keys: keys, Checks: checks}, opts)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{t: t, api: api, srv: srv, store: store, authz: authz, creds: creds}
}

func (f *fixture) addUser(primary string) auth.User {
	f.t.Helper()
	hash, err := f.creds.Hash(testPassword)
	require.NoError(f.t, err)
	return f.store.AddUser(auth.User{
		Email:        primary + "@example.org",
		Active:       true,
		PrimaryRole:  primary,
		PasswordHash: hash,
	})
}

func (f *fixture) grant(role, permission string) {
	f.t.Helper()
	require.NoError(f.t, f.authz.Permissions().AssignToRole(context.Background(), role, permission))
}

func (f *fixture) login(u auth.User) auth.TokenPair {
	f.t.Helper()
	resp := f.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"email":    u.Email,
		"password": testPassword,
	}, nil)
	defer resp.Body.Close()
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	var pair auth.TokenPair
	require.NoError(f.t, json.NewDecoder(resp.Body).Decode(&pair))
	return pair
}

func withBearer(pair auth.TokenPair) map[string]string {
	return map[string]string{"Authorization": "Bearer " + pair.AccessToken}
}

func (f *fixture) do(method, path string, body any, headers map[string]string) *http.Response {
	f.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(f.t, err)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(payload))
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
