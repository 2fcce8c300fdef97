package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyceum.org/internal/auth"
	"lyceum.org/internal/store/mem"
)

func TestAPIKeyIssueAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := mem.New()
	reg, err := auth.NewAPIKeyRegistry(store, auth.WithAPIKeyClock(c.now))
	require.NoError(t, err)

	key, raw, err := reg.Issue(ctx, 12, "ci", []string{"Content_Read", "content_read", "team_*"}, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, auth.APIKeyPrefix))
	assert.Len(t, raw, auth.APIKeyLength)
	assert.True(t, auth.ValidateFormat(raw))
	assert.Equal(t, []string{"content_read", "team_*"}, key.Permissions)
	assert.Equal(t, c.now().Add(365*24*time.Hour), key.ExpiresAt)
	assert.NotContains(t, key.KeyHash, raw)

	got, err := reg.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.Allows(auth.ResourceTeam, auth.ActionManage))
	assert.False(t, got.Allows(auth.ResourceContent, auth.ActionWrite))

	forged := auth.APIKeyPrefix + strings.Repeat("A", auth.APIKeyLength-len(auth.APIKeyPrefix))
	assert.True(t, auth.ValidateFormat(forged), "structurally valid")
	_, err = reg.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated, "but unknown")
}

func TestAPIKeyRejectsBadScope(t *testing.T) {
	reg, err := auth.NewAPIKeyRegistry(mem.New())
	require.NoError(t, err)
	_, _, err = reg.Issue(context.Background(), 1, "bad", []string{"spaceship_fly"}, 0)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, _, err = reg.Issue(context.Background(), 1, "bad", []string{"nounderscore"}, 0)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, _, err = reg.Issue(context.Background(), 1, " ", nil, 0)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestAPIKeyRevokeAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := mem.New()
	reg, err := auth.NewAPIKeyRegistry(store, auth.WithAPIKeyClock(c.now))
	require.NoError(t, err)

	revoked, rawRevoked, err := reg.Issue(ctx, 1, "old", nil, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Revoke(ctx, 2, revoked.ID), auth.ErrNotFound, "other users cannot revoke")
	require.NoError(t, reg.Revoke(ctx, 1, revoked.ID))
	_, err = reg.Authenticate(ctx, rawRevoked)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, rawShort, err := reg.Issue(ctx, 1, "short", nil, time.Hour)
	require.NoError(t, err)
	c.advance(time.Hour)
	_, err = reg.Authenticate(ctx, rawShort)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	n, err := reg.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	keys, err := reg.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestAPIKeyDefaultTTL(t *testing.T) {
	c := newClock()
	reg, err := auth.NewAPIKeyRegistry(mem.New(), auth.WithAPIKeyClock(c.now), auth.WithDefaultAPIKeyTTL(30*24*time.Hour))
	require.NoError(t, err)

	key, _, err := reg.Issue(context.Background(), 3, "nightly", []string{"content_read"}, 0)
	require.NoError(t, err)
	assert.Equal(t, c.now().Add(30*24*time.Hour), key.ExpiresAt)

	key, _, err = reg.Issue(context.Background(), 3, "weekly", []string{"content_read"}, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, c.now().Add(7*24*time.Hour), key.ExpiresAt)
}
