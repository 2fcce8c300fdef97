package mem

import (
	"context"
	"fmt"
	"sort"
	"time"

	"lyceum.org/internal/auth"
)

func (s *Store) CreateSession(_ context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.sessions[sess.ID]; dup {
		return fmt.Errorf("%w: session %s", auth.ErrAlreadyExists, sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.Session{}, fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) GetSessionByTokenHash(_ context.Context, tokenHash string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.TokenHash == tokenHash {
			return sess, nil
		}
	}
	return auth.Session{}, fmt.Errorf("%w: session", auth.ErrNotFound)
}

func (s *Store) ListActiveSessions(_ context.Context, userID int64) ([]auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	sess.LastActivity = at
	s.sessions[id] = sess
	return nil
}

func (s *Store) DeactivateSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	sess.Active = false
	s.sessions[id] = sess
	return nil
}

func (s *Store) DeleteExpiredSessions(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !sess.ExpiresAt.After(before) || !sess.Active {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateAPIKey(_ context.Context, key auth.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return fmt.Errorf("%w: api key", auth.ErrAlreadyExists)
		}
	}
	key.Permissions = append([]string(nil), key.Permissions...)
	s.keys[key.ID] = key
	return nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, keyHash string) (auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == keyHash {
			k.Permissions = append([]string(nil), k.Permissions...)
			return k, nil
		}
	}
	return auth.APIKey{}, fmt.Errorf("%w: api key", auth.ErrNotFound)
}

func (s *Store) ListAPIKeys(_ context.Context, userID int64) ([]auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []auth.APIKey{}
	for _, k := range s.keys {
		if k.UserID == userID {
			k.Permissions = append([]string(nil), k.Permissions...)
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("%w: api key", auth.ErrNotFound)
	}
	k.LastUsedAt = &at
	s.keys[id] = k
	return nil
}

func (s *Store) DeactivateAPIKey(_ context.Context, userID int64, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserID != userID {
		return fmt.Errorf("%w: api key", auth.ErrNotFound)
	}
	k.Active = false
	s.keys[id] = k
	return nil
}

func (s *Store) DeleteExpiredAPIKeys(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, k := range s.keys {
		if !k.ExpiresAt.After(before) {
			delete(s.keys, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetMFA(_ context.Context, userID int64) (auth.MFASettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mfa[userID]
	if !ok {
		return auth.MFASettings{}, fmt.Errorf("%w: mfa settings", auth.ErrNotFound)
	}
	m.BackupCodes = append([]string(nil), m.BackupCodes...)
	return m, nil
}

func (s *Store) SaveMFA(_ context.Context, settings auth.MFASettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.BackupCodes = append([]string(nil), settings.BackupCodes...)
	s.mfa[settings.UserID] = settings
	return nil
}

func (s *Store) DeleteMFA(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mfa[userID]; !ok {
		return fmt.Errorf("%w: mfa settings", auth.ErrNotFound)
	}
	delete(s.mfa, userID)
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, userID int64, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mfa[userID]
	if ok && m.Enabled {
		for i, h := range m.BackupCodes {
			if h == codeHash {
				m.BackupCodes = append(m.BackupCodes[:i:i], m.BackupCodes[i+1:]...)
				s.mfa[userID] = m
				return nil
			}
		}
	}
	return fmt.Errorf("%w: backup code", auth.ErrNotFound)
}

func (s *Store) MarkTOTPUsed(_ context.Context, userID int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mfa[userID]
	if !ok || !m.Enabled {
		return fmt.Errorf("%w: mfa settings", auth.ErrNotFound)
	}
	if m.LastUsed != nil && !usedAt.After(*m.LastUsed) {
		return fmt.Errorf("%w: totp step already used", auth.ErrConflict)
	}
	m.LastUsed = &usedAt
	s.mfa[userID] = m
	return nil
}
