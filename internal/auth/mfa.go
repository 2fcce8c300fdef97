package auth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	backupCodeCount  = 10
	backupCodeBytes  = 10
	totpPeriod       = 30 * time.Second
	defaultMFAIssuer = "Lyceum"
)

// otpBackend is the TOTP capability. The build tag nototp replaces it with one
// that reports ErrUnavailable.
type otpBackend interface {
	available() bool
	generate(issuer, account string) (secret, url string, err error)
	// validate checks code against exactly the time step containing at.
	validate(code, secret string, at time.Time) (bool, error)
}

// MFASecret is a freshly generated TOTP secret and its provisioning URL.
type MFASecret struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// MFAProvider generates and verifies one-time codes.
type MFAProvider struct {
	issuer string
	otp    otpBackend
	now    func() time.Time
}

func NewMFAProvider(issuer string) *MFAProvider {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultMFAIssuer
	}
	return &MFAProvider{issuer: issuer, otp: newOTPBackend(), now: time.Now}
}

// Available reports whether TOTP support is compiled in.
func (p *MFAProvider) Available() bool {
	return p != nil && p.otp != nil && p.otp.available()
}

func (p *MFAProvider) unavailable() error {
	return fmt.Errorf("%w: MFA is not available in this build", ErrUnavailable)
}

// GenerateSecret creates a TOTP secret for account.
func (p *MFAProvider) GenerateSecret(account string) (MFASecret, error) {
	if !p.Available() {
		return MFASecret{}, p.unavailable()
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return MFASecret{}, fmt.Errorf("%w: account name is required", ErrInvalidInput)
	}
	secret, url, err := p.otp.generate(p.issuer, account)
	if err != nil {
		return MFASecret{}, err
	}
	return MFASecret{Secret: secret, URL: url}, nil
}

// VerifyCode checks code against secret, allowing one step of clock drift.
func (p *MFAProvider) VerifyCode(secret, code string) (bool, error) {
	_, ok, err := p.matchStep(secret, code, p.now())
	return ok, err
}

// matchStep returns the time step code belongs to, trying the current step first.
func (p *MFAProvider) matchStep(secret, code string, at time.Time) (int64, bool, error) {
	if !p.Available() {
		return 0, false, p.unavailable()
	}
	code = strings.TrimSpace(code)
	if code == "" || secret == "" {
		return 0, false, nil
	}
	for _, off := range []int{0, -1, 1} {
		t := at.Add(time.Duration(off) * totpPeriod)
		ok, err := p.otp.validate(code, secret, t)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return t.Unix() / int64(totpPeriod/time.Second), true, nil
		}
	}
	return 0, false, nil
}

// GenerateBackupCodes returns ten random single-use codes.
func (p *MFAProvider) GenerateBackupCodes() ([]string, error) {
	if !p.Available() {
		return nil, p.unavailable()
	}
	codes := make([]string, 0, backupCodeCount)
	buf := make([]byte, backupCodeBytes)
	for i := 0; i < backupCodeCount; i++ {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes = append(codes, base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf))
	}
	return codes, nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// MFAEnrollment is returned once; the secret and codes are not retrievable later.
type MFAEnrollment struct {
	Secret      string   `json:"secret"`
	URL         string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

// MFAManager owns the per-user MFA lifecycle.
type MFAManager struct {
	store    MFAStore
	users    UserStore
	provider *MFAProvider
	now      func() time.Time
}

func NewMFAManager(store MFAStore, users UserStore, provider *MFAProvider) (*MFAManager, error) {
	if store == nil || users == nil {
		return nil, errors.New("mfa store and user store are required")
	}
	if provider == nil {
		provider = NewMFAProvider("")
	}
	return &MFAManager{store: store, users: users, provider: provider, now: provider.now}, nil
}

// Enroll creates a pending secret and backup codes. MFA stays disabled until Confirm.
func (m *MFAManager) Enroll(ctx context.Context, userID int64) (MFAEnrollment, error) {
	user, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return MFAEnrollment{}, err
	}
	current, err := m.store.GetMFA(ctx, userID)
	switch {
	case err == nil && current.Enabled:
		return MFAEnrollment{}, fmt.Errorf("%w: MFA already enabled", ErrAlreadyExists)
	case err != nil && !errors.Is(err, ErrNotFound):
		return MFAEnrollment{}, err
	}
	secret, err := m.provider.GenerateSecret(user.Email)
	if err != nil {
		return MFAEnrollment{}, err
	}
	codes, err := m.provider.GenerateBackupCodes()
	if err != nil {
		return MFAEnrollment{}, err
	}
	hashed := make([]string, len(codes))
	for i, c := range codes {
		hashed[i] = hashSecret(normalizeBackupCode(c))
	}
	settings := MFASettings{UserID: userID, Secret: secret.Secret, BackupCodes: hashed}
	if err := m.store.SaveMFA(ctx, settings); err != nil {
		return MFAEnrollment{}, err
	}
	return MFAEnrollment{Secret: secret.Secret, URL: secret.URL, BackupCodes: codes}, nil
}

// Confirm enables MFA once the user proves possession of the secret.
func (m *MFAManager) Confirm(ctx context.Context, userID int64, code string) error {
	settings, err := m.store.GetMFA(ctx, userID)
	if err != nil {
		return err
	}
	if settings.Enabled {
		return fmt.Errorf("%w: MFA already enabled", ErrAlreadyExists)
	}
	used, err := m.matchTOTP(settings, code)
	if err != nil {
		return err
	}
	settings.LastUsed = &used
	settings.Enabled = true
	return m.store.SaveMFA(ctx, settings)
}

// Required reports whether login must present a second factor.
func (m *MFAManager) Required(ctx context.Context, userID int64) (bool, error) {
	settings, err := m.store.GetMFA(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return settings.Enabled, nil
}

// Verify accepts a TOTP code or an unused backup code. A code is never accepted
// twice: the store records the last used TOTP step and removes backup codes on use,
// each as one conditional write.
func (m *MFAManager) Verify(ctx context.Context, userID int64, code string) error {
	settings, err := m.store.GetMFA(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthenticated
		}
		return err
	}
	if !settings.Enabled {
		return ErrUnauthenticated
	}
	used, err := m.matchTOTP(settings, code)
	switch {
	case err == nil:
		err = m.store.MarkTOTPUsed(ctx, userID, used)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return ErrUnauthenticated
		}
		return err
	case !errors.Is(err, ErrUnauthenticated):
		return err
	}
	backup := normalizeBackupCode(code)
	if backup == "" {
		return ErrUnauthenticated
	}
	err = m.store.ConsumeBackupCode(ctx, userID, hashSecret(backup))
	if errors.Is(err, ErrNotFound) {
		return ErrUnauthenticated
	}
	return err
}

// Disable removes MFA after verifying a current code.
func (m *MFAManager) Disable(ctx context.Context, userID int64, code string) error {
	if err := m.Verify(ctx, userID, code); err != nil {
		return err
	}
	return m.store.DeleteMFA(ctx, userID)
}

// RemainingBackupCodes reports how many backup codes are unused.
func (m *MFAManager) RemainingBackupCodes(ctx context.Context, userID int64) (int, error) {
	settings, err := m.store.GetMFA(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(settings.BackupCodes), nil
}

// matchTOTP returns the start of the step code belongs to. Steps at or before the
// last used one are rejected.
func (m *MFAManager) matchTOTP(settings MFASettings, code string) (time.Time, error) {
	now := m.now().UTC()
	step, ok, err := m.provider.matchStep(settings.Secret, code, now)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, ErrUnauthenticated
	}
	if settings.LastUsed != nil && step <= settings.LastUsed.Unix()/int64(totpPeriod/time.Second) {
		return time.Time{}, ErrUnauthenticated
	}
	return time.Unix(step*int64(totpPeriod/time.Second), 0).UTC(), nil
}
