package domain

import (
	"errors"
	"fmt"
)

// Validation precondition sentinels. These are expected states, not
// anomalies: a pass that hits one aborts silently for that identifier.
var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleDisabled = errors.New("rule disabled")
)

// LookupError means the OS does not know the type identifier at all.
// Not retryable: retrying the same identifier cannot succeed.
type LookupError struct {
	Identifier string
	Err        error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("identifier %q unknown to launch services: %v", e.Identifier, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// WriteError means the OS rejected an association write. Retryable up
// to the engine's attempt cap.
type WriteError struct {
	Identifier string
	BundleID   string
	Reason     string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to set %q as handler for %q: %s", e.BundleID, e.Identifier, e.Reason)
}

func (e *WriteError) Unwrap() error { return e.Err }

// VerificationMismatchError means the write call reported success but
// the re-read shows a different handler. Treated identically to a
// rejected write: retryable.
type VerificationMismatchError struct {
	Identifier string
	Expected   string
	Actual     string
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("wrote %q as handler for %q but re-read shows %q", e.Expected, e.Identifier, e.Actual)
}

// IsRetryable reports whether a recovery failure is worth another
// attempt. Lookup failures and context cancellation are terminal.
func IsRetryable(err error) bool {
	var le *LookupError
	if errors.As(err, &le) {
		return false
	}
	if errors.Is(err, ErrRuleNotFound) || errors.Is(err, ErrRuleDisabled) {
		return false
	}
	var we *WriteError
	var ve *VerificationMismatchError
	return errors.As(err, &we) || errors.As(err, &ve)
}
