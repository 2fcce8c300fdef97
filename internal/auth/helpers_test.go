package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"lyceum.org/internal/auth"
	"lyceum.org/internal/store/mem"
)

type engine struct {
	store *mem.Store
	roles *auth.RoleManager
	perms *auth.PermissionManager
	authz *auth.Authorizer
}

func newEngine(t *testing.T, seed bool) engine {
	t.Helper()
	store := mem.New()
	if seed {
		require.NoError(t, store.SeedBuiltins(context.Background()))
	}
	roles, err := auth.NewRoleManager(store)
	require.NoError(t, err)
	perms, err := auth.NewPermissionManager(store, roles)
	require.NoError(t, err)
	authz, err := auth.NewAuthorizer(store, roles, perms)
	require.NoError(t, err)
	return engine{store: store, roles: roles, perms: perms, authz: authz}
}

func (e engine) user(primary string) auth.User {
	return e.store.AddUser(auth.User{Email: primary + "@example.org", Active: true, PrimaryRole: primary})
}
