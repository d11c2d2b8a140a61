package approvaltoken

import "fmt"

// Machine-readable verification failure codes. Sidecars branch on these to
// distinguish tamper from expiry from replay.
const (
	CodeApprovalRequired = "approval_required"
	CodeApprovalExpired  = "approval_expired"
	CodeApprovalMismatch = "approval_mismatch"
	CodeApprovalReplayed = "approval_replayed"
)

// VerifyError is a token rejection with a stable code and a human-readable
// reason. Infrastructure failures (store unreachable) are returned as plain
// errors instead; callers treat those as denial too.
type VerifyError struct {
	ErrCode string
	Reason  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Reason)
}

// Code returns the machine-readable error code.
func (e *VerifyError) Code() string {
	return e.ErrCode
}

func verifyErr(code, format string, args ...interface{}) *VerifyError {
	return &VerifyError{ErrCode: code, Reason: fmt.Sprintf(format, args...)}
}
