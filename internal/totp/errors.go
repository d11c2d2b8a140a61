package totp

import (
	"errors"
	"fmt"
	"time"
)

// Machine-readable codes surfaced by the identity gate. daemon_unavailable is
// deliberately distinct from "not enrolled": callers doing identity-sensitive
// checks must fail closed on it instead of treating the gate as disabled.
const (
	CodeTOTPInvalid       = "totp_invalid"
	CodeTOTPRateLimited   = "totp_rate_limited"
	CodeDaemonUnavailable = "daemon_unavailable"
)

var (
	// ErrInvalidCode means the daemon checked the code and it was wrong.
	ErrInvalidCode = errors.New(CodeTOTPInvalid)

	// ErrNotEnrolled means the user has no TOTP secret.
	ErrNotEnrolled = errors.New("totp not enrolled")

	// ErrAlreadyEnrolled means setup was attempted over an existing secret.
	ErrAlreadyEnrolled = errors.New("totp already enrolled")

	// ErrDaemonUnavailable wraps a connection or timeout failure talking to
	// the daemon.
	ErrDaemonUnavailable = errors.New(CodeDaemonUnavailable)
)

// RateLimitedError reports a verification lockout with the wait remaining.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", CodeTOTPRateLimited, e.RetryAfter.Round(time.Second))
}
