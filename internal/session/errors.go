package session

import "fmt"

// Machine-readable session token rejection codes.
const (
	CodeSessionTokenInvalid = "session_token_invalid"
	CodeSessionTokenExpired = "session_token_expired"
)

// TokenError carries a stable rejection code alongside the reason.
type TokenError struct {
	ErrCode string
	Reason  string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Reason)
}

// Code returns the machine-readable error code.
func (e *TokenError) Code() string {
	return e.ErrCode
}

func tokenErr(code, format string, args ...interface{}) *TokenError {
	return &TokenError{ErrCode: code, Reason: fmt.Sprintf(format, args...)}
}
