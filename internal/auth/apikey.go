package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lyceum.org/internal/ids"
	"lyceum.org/internal/obs"
)

const (
	APIKeyPrefix = "lyk_"

	apiKeySecretBytes   = 32
	apiKeyDisplayLength = 12
	defaultAPIKeyTTL    = 365 * 24 * time.Hour
	maxAPIKeyNameLength = 100
)

// APIKeyLength is the fixed length of every raw key.
var APIKeyLength = len(APIKeyPrefix) + base64.RawURLEncoding.EncodedLen(apiKeySecretBytes)

// APIKeyRegistry issues and validates opaque API keys. Only SHA-256 hashes are stored.
type APIKeyRegistry struct {
	store      APIKeyStore
	now        func() time.Time
	defaultTTL time.Duration
}

// APIKeyOption configures APIKeyRegistry.
type APIKeyOption func(*APIKeyRegistry)

// WithAPIKeyClock overrides the time source (useful for tests).
func WithAPIKeyClock(fn func() time.Time) APIKeyOption {
	return func(r *APIKeyRegistry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithDefaultAPIKeyTTL sets the lifetime of keys issued without an explicit TTL.
func WithDefaultAPIKeyTTL(ttl time.Duration) APIKeyOption {
	return func(r *APIKeyRegistry) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

func NewAPIKeyRegistry(store APIKeyStore, opts ...APIKeyOption) (*APIKeyRegistry, error) {
	if store == nil {
		return nil, errors.New("api key store is required")
	}
	r := &APIKeyRegistry{store: store, now: time.Now, defaultTTL: defaultAPIKeyTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Issue creates a key scoped to permissions. The raw key is returned once.
func (r *APIKeyRegistry) Issue(ctx context.Context, userID int64, name string, permissions []string, ttl time.Duration) (APIKey, string, error) {
	name = strings.TrimSpace(name)
	if userID <= 0 {
		return APIKey{}, "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if name == "" || len(name) > maxAPIKeyNameLength {
		return APIKey{}, "", fmt.Errorf("%w: api key name must be 1-%d characters", ErrInvalidInput, maxAPIKeyNameLength)
	}
	scope, err := normalizeScope(permissions)
	if err != nil {
		return APIKey{}, "", err
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	secret, err := ids.Secret(apiKeySecretBytes)
	if err != nil {
		return APIKey{}, "", err
	}
	raw := APIKeyPrefix + secret
	now := r.now().UTC()
	key := APIKey{
		ID:          ids.New(),
		UserID:      userID,
		Name:        name,
		Prefix:      raw[:apiKeyDisplayLength],
		KeyHash:     hashSecret(raw),
		Permissions: scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Active:      true,
	}
	if err := r.store.CreateAPIKey(ctx, key); err != nil {
		return APIKey{}, "", err
	}
	return key, raw, nil
}

func normalizeScope(permissions []string) ([]string, error) {
	seen := make(map[string]struct{}, len(permissions))
	out := make([]string, 0, len(permissions))
	for _, p := range permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		rt, action, ok := SplitPermissionName(p)
		if !ok {
			return nil, fmt.Errorf("%w: malformed permission %q", ErrInvalidInput, p)
		}
		if err := ValidatePair(rt, action); err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// ValidateFormat checks prefix, length and alphabet. It is not an authorization check.
func ValidateFormat(raw string) bool {
	if len(raw) != APIKeyLength || !strings.HasPrefix(raw, APIKeyPrefix) {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw[len(APIKeyPrefix):])
	return err == nil && len(decoded) == apiKeySecretBytes
}

// Authenticate resolves a raw key to its stored record. Every failure is ErrUnauthenticated.
func (r *APIKeyRegistry) Authenticate(ctx context.Context, raw string) (APIKey, error) {
	raw = strings.TrimSpace(raw)
	if !ValidateFormat(raw) {
		return APIKey{}, ErrUnauthenticated
	}
	digest := hashSecret(raw)
	key, err := r.store.GetAPIKeyByHash(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return APIKey{}, ErrUnauthenticated
		}
		return APIKey{}, err
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(digest)) != 1 {
		return APIKey{}, ErrUnauthenticated
	}
	now := r.now().UTC()
	if !key.Active || !now.Before(key.ExpiresAt) {
		return APIKey{}, ErrUnauthenticated
	}
	if err := r.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		obs.Logger().WithError(err).WithField("api_key_id", key.ID).Warn("api key touch failed")
	} else {
		key.LastUsedAt = &now
	}
	return key, nil
}

// List returns the user's keys without secrets.
func (r *APIKeyRegistry) List(ctx context.Context, userID int64) ([]APIKey, error) {
	return r.store.ListAPIKeys(ctx, userID)
}

// Revoke deactivates a key owned by userID.
func (r *APIKeyRegistry) Revoke(ctx context.Context, userID int64, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: api key id is required", ErrInvalidInput)
	}
	return r.store.DeactivateAPIKey(ctx, userID, id)
}

// PurgeExpired deletes keys that expired before now.
func (r *APIKeyRegistry) PurgeExpired(ctx context.Context) (int, error) {
	return r.store.DeleteExpiredAPIKeys(ctx, r.now().UTC())
}

// Allows reports whether the key's own scope covers (rt, action).
func (k APIKey) Allows(rt ResourceType, action Action) bool {
	exact := PermissionName(rt, action)
	wildcard := WildcardName(rt)
	for _, p := range k.Permissions {
		if p == exact || p == wildcard {
			return true
		}
	}
	return false
}
