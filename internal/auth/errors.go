// internal/auth/errors.go
package auth

import "errors"

// ErrorKind classifies why an authentication step failed. The set is closed;
// callers switch on it to decide whether an attempt is worth repeating.
type ErrorKind string

const (
	ErrKindNone ErrorKind = ""

	// ErrKindPinInputNotFound means the code field never appeared, which in
	// practice means the site did not send a mail. The only retryable kind.
	ErrKindPinInputNotFound    ErrorKind = "PIN_INPUT_NOT_FOUND"
	ErrKindCodeTimeout         ErrorKind = "CODE_TIMEOUT"
	ErrKindCodeInputFailed     ErrorKind = "CODE_INPUT_FAILED"
	ErrKindNameInputNotFound   ErrorKind = "NAME_INPUT_NOT_FOUND"
	ErrKindWorkspaceTimeout    ErrorKind = "WORKSPACE_TIMEOUT"
	ErrKindExtractConfigFailed ErrorKind = "EXTRACT_CONFIG_FAILED"
	ErrKindUnknown             ErrorKind = "UNKNOWN"
)

// Retryable reports whether a fresh attempt may succeed where this one failed.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindPinInputNotFound
}

var (
	ErrIncompleteConfig  = errors.New("session config incomplete")
	ErrInvalidRequest    = errors.New("invalid attempt request")
	ErrNoNewTab          = errors.New("no new tab handle after opening a tab")
	ErrProvisioningEmpty = errors.New("email provisioning returned an empty address")
)
