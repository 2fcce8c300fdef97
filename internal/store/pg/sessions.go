package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lyceum.org/internal/auth"
)

const sessionColumns = `id, user_id, token_hash, ip, user_agent, created_at, last_activity, expires_at, is_active`

func scanSession(row interface{ Scan(...any) error }) (auth.Session, error) {
	var (
		sess      auth.Session
		ip, agent sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &ip, &agent,
		&sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.Active)
	sess.IP, sess.UserAgent = ip.String, agent.String
	return sess, err
}

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	_, err := s.q.ExecContext(ctx, `
		insert into sessions (id, user_id, token_hash, ip, user_agent, created_at, last_activity, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.UserID, sess.TokenHash, nullIfEmpty(sess.IP), nullIfEmpty(sess.UserAgent),
		sess.CreatedAt, sess.LastActivity, sess.ExpiresAt, sess.Active)
	if err != nil {
		return mapWriteError(err, fmt.Errorf("%w: session", auth.ErrAlreadyExists))
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (auth.Session, error) {
	sess, err := scanSession(s.q.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	return sess, err
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (auth.Session, error) {
	sess, err := scanSession(s.q.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where token_hash = $1`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	return sess, err
}

func (s *Store) ListActiveSessions(ctx context.Context, userID int64) ([]auth.Session, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where user_id = $1 and is_active
		order by created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `update sessions set last_activity = $1 where id = $2`, at, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: session", auth.ErrNotFound))
}

func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `update sessions set is_active = false where id = $1`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: session", auth.ErrNotFound))
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `delete from sessions where expires_at <= $1 or not is_active`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const apiKeyColumns = `id, user_id, name, prefix, key_hash, permissions, created_at, expires_at, last_used_at, is_active`

func scanAPIKey(row interface{ Scan(...any) error }) (auth.APIKey, error) {
	var (
		key      auth.APIKey
		rawPerms []byte
		lastUsed sql.NullTime
	)
	if err := row.Scan(&key.ID, &key.UserID, &key.Name, &key.Prefix, &key.KeyHash, &rawPerms,
		&key.CreatedAt, &key.ExpiresAt, &lastUsed, &key.Active); err != nil {
		return auth.APIKey{}, err
	}
	key.Permissions = []string{}
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &key.Permissions); err != nil {
			return auth.APIKey{}, fmt.Errorf("decode api key permissions: %w", err)
		}
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}
	return key, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key auth.APIKey) error {
	perms := key.Permissions
	if perms == nil {
		perms = []string{}
	}
	rawPerms, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("marshal api key permissions: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		insert into api_keys (id, user_id, name, prefix, key_hash, permissions, created_at, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, key.ID, key.UserID, key.Name, key.Prefix, key.KeyHash, rawPerms, key.CreatedAt, key.ExpiresAt, key.Active)
	if err != nil {
		return mapWriteError(err, fmt.Errorf("%w: api key", auth.ErrAlreadyExists))
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (auth.APIKey, error) {
	key, err := scanAPIKey(s.q.QueryRowContext(ctx, `select `+apiKeyColumns+` from api_keys where key_hash = $1`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.APIKey{}, fmt.Errorf("%w: api key", auth.ErrNotFound)
	}
	return key, err
}

func (s *Store) ListAPIKeys(ctx context.Context, userID int64) ([]auth.APIKey, error) {
	rows, err := s.q.QueryContext(ctx, `select `+apiKeyColumns+` from api_keys where user_id = $1 order by id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []auth.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `update api_keys set last_used_at = $1 where id = $2`, at, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: api key", auth.ErrNotFound))
}

func (s *Store) DeactivateAPIKey(ctx context.Context, userID int64, id string) error {
	res, err := s.q.ExecContext(ctx, `update api_keys set is_active = false where id = $1 and user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: api key", auth.ErrNotFound))
}

func (s *Store) DeleteExpiredAPIKeys(ctx context.Context, before time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `delete from api_keys where expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) GetMFA(ctx context.Context, userID int64) (auth.MFASettings, error) {
	var (
		m        auth.MFASettings
		rawCodes []byte
		lastUsed sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, `
		select user_id, enabled, secret, backup_codes, last_used
		from mfa_settings
		where user_id = $1
	`, userID).Scan(&m.UserID, &m.Enabled, &m.Secret, &rawCodes, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.MFASettings{}, fmt.Errorf("%w: mfa settings", auth.ErrNotFound)
	}
	if err != nil {
		return auth.MFASettings{}, err
	}
	if len(rawCodes) > 0 {
		if err := json.Unmarshal(rawCodes, &m.BackupCodes); err != nil {
			return auth.MFASettings{}, fmt.Errorf("decode backup codes: %w", err)
		}
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		m.LastUsed = &t
	}
	return m, nil
}

func (s *Store) SaveMFA(ctx context.Context, settings auth.MFASettings) error {
	codes := settings.BackupCodes
	if codes == nil {
		codes = []string{}
	}
	rawCodes, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("marshal backup codes: %w", err)
	}
	var lastUsed sql.NullTime
	if settings.LastUsed != nil {
		lastUsed = sql.NullTime{Time: *settings.LastUsed, Valid: true}
	}
	_, err = s.q.ExecContext(ctx, `
		insert into mfa_settings (user_id, enabled, secret, backup_codes, last_used)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id) do update
		set enabled = excluded.enabled,
		    secret = excluded.secret,
		    backup_codes = excluded.backup_codes,
		    last_used = excluded.last_used,
		    updated_at = now()
	`, settings.UserID, settings.Enabled, settings.Secret, rawCodes, lastUsed)
	return mapWriteError(err, err)
}

func (s *Store) DeleteMFA(ctx context.Context, userID int64) error {
	res, err := s.q.ExecContext(ctx, `delete from mfa_settings where user_id = $1`, userID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: mfa settings", auth.ErrNotFound))
}

func (s *Store) ConsumeBackupCode(ctx context.Context, userID int64, codeHash string) error {
	res, err := s.q.ExecContext(ctx, `
		update mfa_settings
		set backup_codes = backup_codes - $2::text, updated_at = now()
		where user_id = $1 and enabled and backup_codes @> jsonb_build_array($2::text)
	`, userID, codeHash)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: backup code", auth.ErrNotFound))
}

func (s *Store) MarkTOTPUsed(ctx context.Context, userID int64, usedAt time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		update mfa_settings
		set last_used = $2, updated_at = now()
		where user_id = $1 and enabled and (last_used is null or last_used < $2)
	`, userID, usedAt)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, fmt.Errorf("%w: totp step already used", auth.ErrConflict))
}
