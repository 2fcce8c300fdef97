//go:build !nototp

package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyceum.org/internal/auth"
	"lyceum.org/internal/store/mem"
)

func newMFA(t *testing.T) (*auth.MFAManager, *mem.Store, *clock, auth.User) {
	t.Helper()
	c := newClock()
	store := mem.New()
	u := store.AddUser(auth.User{Email: "mfa@example.org", Active: true, PrimaryRole: auth.RoleTeacher})
	m, err := auth.NewMFAManager(store, store, auth.NewMFAProviderAt("Lyceum", c.now))
	require.NoError(t, err)
	return m, store, c, u
}

func TestProviderGeneratesAndVerifies(t *testing.T) {
	c := newClock()
	p := auth.NewMFAProviderAt("Lyceum", c.now)
	require.True(t, p.Available())

	secret, err := p.GenerateSecret("mfa@example.org")
	require.NoError(t, err)
	assert.Contains(t, secret.URL, "otpauth://totp/")

	code, err := totp.GenerateCode(secret.Secret, c.now())
	require.NoError(t, err)
	ok, err := p.VerifyCode(secret.Secret, code)
	require.NoError(t, err)
	assert.True(t, ok)

	c.advance(5 * time.Minute)
	ok, err = p.VerifyCode(secret.Secret, code)
	require.NoError(t, err)
	assert.False(t, ok)

	codes, err := p.GenerateBackupCodes()
	require.NoError(t, err)
	assert.Len(t, codes, 10)
}

func TestMFAEnrollConfirmVerify(t *testing.T) {
	ctx := context.Background()
	m, _, c, u := newMFA(t)

	enrollment, err := m.Enroll(ctx, u.ID)
	require.NoError(t, err)
	required, err := m.Required(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, required, "pending enrollment does not gate login")

	code, err := totp.GenerateCode(enrollment.Secret, c.now())
	require.NoError(t, err)
	require.NoError(t, m.Confirm(ctx, u.ID, code))

	required, err = m.Required(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, required)

	assert.ErrorIs(t, m.Verify(ctx, u.ID, code), auth.ErrUnauthenticated, "same step is a replay")

	c.advance(30 * time.Second)
	next, err := totp.GenerateCode(enrollment.Secret, c.now())
	require.NoError(t, err)
	assert.NoError(t, m.Verify(ctx, u.ID, next))

	_, err = m.Enroll(ctx, u.ID)
	assert.ErrorIs(t, err, auth.ErrAlreadyExists)
}

func TestMFABackupCodesAreSingleUse(t *testing.T) {
	ctx := context.Background()
	m, _, c, u := newMFA(t)

	enrollment, err := m.Enroll(ctx, u.ID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(enrollment.Secret, c.now())
	require.NoError(t, err)
	require.NoError(t, m.Confirm(ctx, u.ID, code))

	backup := enrollment.BackupCodes[3]
	require.NoError(t, m.Verify(ctx, u.ID, backup))
	assert.ErrorIs(t, m.Verify(ctx, u.ID, backup), auth.ErrUnauthenticated)

	left, err := m.RemainingBackupCodes(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, left)

	require.NoError(t, m.Disable(ctx, u.ID, enrollment.BackupCodes[0]))
	required, err := m.Required(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, required)
}

// lockstepMFA holds every GetMFA caller until all expected callers have read, so
// concurrent verifications all start from the same settings.
type lockstepMFA struct {
	*mem.Store
	read sync.WaitGroup
}

func (s *lockstepMFA) GetMFA(ctx context.Context, userID int64) (auth.MFASettings, error) {
	settings, err := s.Store.GetMFA(ctx, userID)
	s.read.Done()
	s.read.Wait()
	return settings, err
}

func verifyConcurrently(t *testing.T, m *auth.MFAManager, store *lockstepMFA, userID int64, code string, n int) int {
	t.Helper()
	store.read.Add(n)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Verify(context.Background(), userID, code)
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, auth.ErrUnauthenticated)
		}()
	}
	wg.Wait()
	return accepted
}

func TestMFAConcurrentVerifyAcceptsCodeOnce(t *testing.T) {
	ctx := context.Background()
	setup, store, c, u := newMFA(t)

	enrollment, err := setup.Enroll(ctx, u.ID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(enrollment.Secret, c.now())
	require.NoError(t, err)
	require.NoError(t, setup.Confirm(ctx, u.ID, code))

	shared := &lockstepMFA{Store: store}
	m, err := auth.NewMFAManager(shared, store, auth.NewMFAProviderAt("Lyceum", c.now))
	require.NoError(t, err)

	assert.Equal(t, 1, verifyConcurrently(t, m, shared, u.ID, enrollment.BackupCodes[5], 8), "backup code")
	left, err := setup.RemainingBackupCodes(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, left)

	c.advance(30 * time.Second)
	next, err := totp.GenerateCode(enrollment.Secret, c.now())
	require.NoError(t, err)
	assert.Equal(t, 1, verifyConcurrently(t, m, shared, u.ID, next, 8), "totp step")
}
