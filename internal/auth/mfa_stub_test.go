//go:build nototp

package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyceum.org/internal/auth"
	"lyceum.org/internal/store/mem"
)

func TestMFAUnavailableWithoutTOTP(t *testing.T) {
	p := auth.NewMFAProvider("")
	assert.False(t, p.Available())

	_, err := p.GenerateSecret("x@example.org")
	assert.ErrorIs(t, err, auth.ErrUnavailable)
	_, err = p.VerifyCode("secret", "123456")
	assert.ErrorIs(t, err, auth.ErrUnavailable)
	_, err = p.GenerateBackupCodes()
	assert.ErrorIs(t, err, auth.ErrUnavailable)

	store := mem.New()
	u := store.AddUser(auth.User{Email: "x@example.org", Active: true})
	require.NoError(t, store.SaveMFA(context.Background(), auth.MFASettings{UserID: u.ID, Enabled: true, Secret: "S"}))
	m, err := auth.NewMFAManager(store, store, p)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Verify(context.Background(), u.ID, "123456"), auth.ErrUnavailable)
}
