//go:build nototp

package auth

import "time"

type noOTP struct{}

func newOTPBackend() otpBackend { return noOTP{} }

func (noOTP) available() bool { return false }

func (noOTP) generate(string, string) (string, string, error) {
	return "", "", ErrUnavailable
}

func (noOTP) validate(string, string, time.Time) (bool, error) {
	return false, ErrUnavailable
}
