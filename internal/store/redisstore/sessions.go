// Package redisstore keeps sessions in Redis. Each session is a hash that expires
// with the session, indexed by token hash and by owner.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"lyceum.org/internal/auth"
)

const defaultPrefix = "lyceum:"

var _ auth.SessionStore = (*SessionStore)(nil)

// SessionStore implements auth.SessionStore on a Redis client.
type SessionStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithPrefix namespaces all keys written by the store.
func WithPrefix(prefix string) Option {
	return func(s *SessionStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *SessionStore {
	s := &SessionStore{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity for readiness checks.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

const (
	fieldID           = "id"
	fieldUserID       = "user_id"
	fieldTokenHash    = "token_hash"
	fieldIP           = "ip"
	fieldUserAgent    = "user_agent"
	fieldCreatedAt    = "created_at"
	fieldLastActivity = "last_activity"
	fieldExpiresAt    = "expires_at"
	fieldActive       = "active"
)

// createScript writes the session hash only when the key is absent and sets its expiry.
// KEYS[1] session key, ARGV[1] expiry in unix ms, ARGV[2:] field/value pairs.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("PEXPIREAT", KEYS[1], ARGV[1])
return 1
`)

// setFieldScript updates one field of an existing session and never recreates a missing
// key. Touch and deactivate each write their own field, so neither can undo the other.
var setFieldScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeSession(sess auth.Session) []any {
	active := "0"
	if sess.Active {
		active = "1"
	}
	return []any{
		fieldID, sess.ID,
		fieldUserID, strconv.FormatInt(sess.UserID, 10),
		fieldTokenHash, sess.TokenHash,
		fieldIP, sess.IP,
		fieldUserAgent, sess.UserAgent,
		fieldCreatedAt, formatTime(sess.CreatedAt),
		fieldLastActivity, formatTime(sess.LastActivity),
		fieldExpiresAt, formatTime(sess.ExpiresAt),
		fieldActive, active,
	}
}

func decodeSession(h map[string]string) (auth.Session, error) {
	userID, err := strconv.ParseInt(h[fieldUserID], 10, 64)
	if err != nil {
		return auth.Session{}, fmt.Errorf("decode session user_id: %w", err)
	}
	sess := auth.Session{
		ID:        h[fieldID],
		UserID:    userID,
		TokenHash: h[fieldTokenHash],
		IP:        h[fieldIP],
		UserAgent: h[fieldUserAgent],
		Active:    h[fieldActive] == "1",
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{fieldCreatedAt, &sess.CreatedAt},
		{fieldLastActivity, &sess.LastActivity},
		{fieldExpiresAt, &sess.ExpiresAt},
	} {
		t, err := time.Parse(time.RFC3339Nano, h[f.name])
		if err != nil {
			return auth.Session{}, fmt.Errorf("decode session %s: %w", f.name, err)
		}
		*f.dst = t
	}
	return sess, nil
}

func (s *SessionStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *SessionStore) tokenKey(hash string) string { return s.prefix + "session_token:" + hash }
func (s *SessionStore) userKey(userID int64) string {
	return s.prefix + "user_sessions:" + strconv.FormatInt(userID, 10)
}

func (s *SessionStore) CreateSession(ctx context.Context, sess auth.Session) error {
	args := append([]any{sess.ExpiresAt.UnixMilli()}, encodeSession(sess)...)
	created, err := createScript.Run(ctx, s.rdb, []string{s.sessionKey(sess.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis create session failed: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: session %s", auth.ErrAlreadyExists, sess.ID)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.tokenKey(sess.TokenHash), sess.ID, 0)
		p.ExpireAt(ctx, s.tokenKey(sess.TokenHash), sess.ExpiresAt)
		p.ZAdd(ctx, s.userKey(sess.UserID), redis.Z{Score: float64(sess.CreatedAt.UnixNano()), Member: sess.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index session: %w", err)
	}
	return nil
}

func (s *SessionStore) load(ctx context.Context, id string) (auth.Session, error) {
	h, err := s.rdb.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return auth.Session{}, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(h) == 0 {
		return auth.Session{}, fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	sess, err := decodeSession(h)
	if err != nil {
		s.rdb.Del(ctx, s.sessionKey(id))
		return auth.Session{}, err
	}
	return sess, nil
}

func (s *SessionStore) setField(ctx context.Context, id, field, value string) error {
	updated, err := setFieldScript.Run(ctx, s.rdb, []string{s.sessionKey(id)}, field, value).Int()
	if err != nil {
		return fmt.Errorf("redis update session failed: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (auth.Session, error) {
	return s.load(ctx, id)
}

func (s *SessionStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (auth.Session, error) {
	id, err := s.rdb.Get(ctx, s.tokenKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return auth.Session{}, fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	if err != nil {
		return auth.Session{}, fmt.Errorf("redis get failed: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *SessionStore) ListActiveSessions(ctx context.Context, userID int64) ([]auth.Session, error) {
	ids, err := s.rdb.ZRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange failed: %w", err)
	}
	var out []auth.Session
	for _, id := range ids {
		sess, err := s.load(ctx, id)
		if errors.Is(err, auth.ErrNotFound) {
			// Expired by Redis; drop the dangling index entry.
			s.rdb.ZRem(ctx, s.userKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Active {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *SessionStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.setField(ctx, id, fieldLastActivity, formatTime(at))
}

func (s *SessionStore) DeactivateSession(ctx context.Context, id string) error {
	return s.setField(ctx, id, fieldActive, "0")
}

// DeleteExpiredSessions walks the per-user indexes and removes sessions that
// expired at before or were deactivated. Sessions Redis already expired are not counted.
func (s *SessionStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	deleted := 0
	iter := s.rdb.Scan(ctx, 0, s.prefix+"user_sessions:*", 100).Iterator()
	for iter.Next(ctx) {
		userKey := iter.Val()
		ids, err := s.rdb.ZRange(ctx, userKey, 0, -1).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis zrange failed: %w", err)
		}
		for _, id := range ids {
			sess, err := s.load(ctx, id)
			if errors.Is(err, auth.ErrNotFound) {
				s.rdb.ZRem(ctx, userKey, id)
				continue
			}
			if err != nil {
				return deleted, err
			}
			if sess.Active && sess.ExpiresAt.After(before) {
				continue
			}
			_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, s.sessionKey(id), s.tokenKey(sess.TokenHash))
				p.ZRem(ctx, userKey, id)
				return nil
			})
			if err != nil {
				return deleted, fmt.Errorf("redis delete session: %w", err)
			}
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan failed: %w", err)
	}
	return deleted, nil
}
