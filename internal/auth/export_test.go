package auth

import "time"

// NewMFAProviderAt returns a provider whose clock is fixed by now.
func NewMFAProviderAt(issuer string, now func() time.Time) *MFAProvider {
	p := NewMFAProvider(issuer)
	p.now = now
	return p
}
