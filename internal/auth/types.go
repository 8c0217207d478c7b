package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/authflow/internal/browser"
	"github.com/xkilldash9x/authflow/internal/mailbox"
)

// Mode selects the flow variant.
type Mode string

const (
	ModeRegister Mode = "register"
	ModeLogin    Mode = "login"
)

// ParseMode converts user input to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeRegister, ModeLogin:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unsupported mode %q", ErrInvalidRequest, s)
	}
}

// EmailProvisioner mints a fresh address for a registration attempt.
type EmailProvisioner func(ctx context.Context) (string, error)

// AttemptRequest describes one call to Orchestrator.Execute.
type AttemptRequest struct {
	Mode Mode
	// Email is required for ModeLogin and ignored otherwise.
	Email string
	// MaxRetries bounds the number of attempts. Values below 1 mean one attempt.
	MaxRetries int
	// ProvisionEmail is required for ModeRegister; it runs once per attempt.
	ProvisionEmail EmailProvisioner
}

// Validate checks the mode-dependent invariants of the request.
func (r AttemptRequest) Validate() error {
	switch r.Mode {
	case ModeLogin:
		if r.Email == "" {
			return fmt.Errorf("%w: login mode requires an email", ErrInvalidRequest)
		}
	case ModeRegister:
		if r.ProvisionEmail == nil {
			return fmt.Errorf("%w: register mode requires an email provisioner", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidRequest, r.Mode)
	}
	return nil
}

// SessionConfig is the reusable session state lifted from the workspace.
type SessionConfig struct {
	SessionIndex        string     `json:"csesidx"`
	ConfigID            string     `json:"config_id"`
	SecureSessionCookie string     `json:"secure_c_ses"`
	HostSessionCookie   string     `json:"host_c_oses"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
}

// AttemptResult is the outcome of Execute. Config is set iff Success.
type AttemptResult struct {
	Success   bool           `json:"success"`
	Email     string         `json:"email,omitempty"`
	Config    *SessionConfig `json:"config,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Attempts  int            `json:"attempts"`
}

// StepResult is what every flow step reports. Failures are data, not errors.
type StepResult struct {
	Success   bool
	Error     string
	ErrorKind ErrorKind
}

func stepOK() StepResult { return StepResult{Success: true} }

func stepFail(kind ErrorKind, format string, args ...interface{}) StepResult {
	return StepResult{Error: fmt.Sprintf(format, args...), ErrorKind: kind}
}

// SessionFactory hands out a fresh browser session per attempt.
type SessionFactory interface {
	NewSession(ctx context.Context) (browser.Session, error)
}

// Mailbox is the part of the mail service the flow needs.
type Mailbox interface {
	Poll(ctx context.Context, address, source string) ([]mailbox.Record, error)
	Delete(ctx context.Context, id mailbox.RecordID) error
}

// CodeExtractor pulls a verification code out of a mail record.
type CodeExtractor func(rec mailbox.Record) (string, bool)
