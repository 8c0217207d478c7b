// internal/auth/orchestrator.go
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/browser"
	"github.com/xkilldash9x/authflow/internal/verification"
)

// Dependencies are the collaborators of an Orchestrator. Sessions and Mailbox
// are required; the rest default to production implementations.
type Dependencies struct {
	Sessions SessionFactory
	Mailbox  Mailbox
	Extract  CodeExtractor
	Clock    Clock
	PickName NamePicker
	Crash    CrashPredicate
}

// Orchestrator runs complete authentication attempts. It keeps no per-call
// state, so one instance may serve concurrent Execute calls provided its
// dependencies are safe for concurrent use. Sessions are never shared.
type Orchestrator struct {
	sessions  SessionFactory
	clock     Clock
	opts      Options
	email     *EmailVerificationStep
	name      *NameEntryStep
	workspace *WorkspaceWaiter
	extractor *ConfigExtractor
	logger    *zap.Logger
}

// NewOrchestrator validates the dependencies and builds the step pipeline.
func NewOrchestrator(deps Dependencies, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Sessions == nil {
		return nil, errors.New("orchestrator: session factory must not be nil")
	}
	if deps.Mailbox == nil {
		return nil, errors.New("orchestrator: mailbox must not be nil")
	}
	if opts.LoginURL == "" {
		return nil, errors.New("orchestrator: login URL must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QuitTimeout <= 0 {
		opts.QuitTimeout = DefaultOptions().QuitTimeout
	}
	if deps.Extract == nil {
		deps.Extract = verification.Extract
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Crash == nil {
		deps.Crash = NewFingerprintPredicate(opts.Crash.HTMLMarkers, opts.Crash.ErrorMarkers)
	}

	logger = logger.Named("orchestrator")
	detector := NewCrashDetector(deps.Crash)
	recovery := NewTabRecovery(deps.Clock, opts.Workspace.RecoverySettle, logger)

	return &Orchestrator{
		sessions:  deps.Sessions,
		clock:     deps.Clock,
		opts:      opts,
		email:     NewEmailVerificationStep(deps.Mailbox, deps.Extract, deps.Clock, opts.Selectors, opts.Verification, logger),
		name:      NewNameEntryStep(deps.Clock, deps.PickName, opts.Selectors.NameInputs, opts.Name, logger),
		workspace: NewWorkspaceWaiter(deps.Clock, detector, recovery, opts.Workspace, logger),
		extractor: NewConfigExtractor(deps.Clock, detector, opts.Extract, opts.Workspace.RootURL, logger),
		logger:    logger,
	}, nil
}

// Execute runs attempts until one succeeds, one fails with a non-retryable
// kind, or MaxRetries attempts have been used. It never returns an error; the
// outcome, including invalid requests, is described by the result.
func (o *Orchestrator) Execute(ctx context.Context, req AttemptRequest) AttemptResult {
	if err := req.Validate(); err != nil {
		return AttemptResult{Email: req.Email, Error: err.Error(), ErrorKind: ErrKindUnknown}
	}

	maxAttempts := req.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	email := req.Email
	var last AttemptResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return AttemptResult{Email: email, Error: fmt.Sprintf("interrupted: %v", err), ErrorKind: ErrKindUnknown, Attempts: attempt - 1}
		}

		// Registration needs a fresh address every attempt.
		if req.Mode == ModeRegister {
			addr, err := req.ProvisionEmail(ctx)
			if err == nil && addr == "" {
				err = ErrProvisioningEmpty
			}
			if err != nil {
				o.logger.Error("Could not provision an email address", zap.Error(err))
				return AttemptResult{Error: fmt.Sprintf("provisioning email: %v", err), ErrorKind: ErrKindUnknown, Attempts: attempt}
			}
			email = addr
		}

		o.logger.Info("Starting attempt",
			zap.String("mode", string(req.Mode)),
			zap.String("email", email),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts))

		last = o.executeOnce(ctx, req.Mode, email)
		last.Attempts = attempt
		if last.Success {
			return last
		}
		if !last.ErrorKind.Retryable() {
			o.logger.Error("Attempt failed",
				zap.String("email", email),
				zap.String("error_kind", string(last.ErrorKind)),
				zap.String("error", last.Error))
			return last
		}

		o.logger.Warn("Verification mail was not sent, retrying",
			zap.String("email", email), zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts))
		if attempt < maxAttempts {
			if err := o.clock.Sleep(ctx, o.opts.RetryDelay); err != nil {
				return AttemptResult{Email: email, Error: fmt.Sprintf("interrupted: %v", err), ErrorKind: ErrKindUnknown, Attempts: attempt}
			}
		}
	}

	return AttemptResult{
		Email:     email,
		Error:     fmt.Sprintf("retries exhausted after %d attempts: %s", maxAttempts, last.Error),
		ErrorKind: last.ErrorKind,
		Attempts:  maxAttempts,
	}
}

// executeOnce runs a single attempt on its own session and always releases it.
func (o *Orchestrator) executeOnce(ctx context.Context, mode Mode, email string) AttemptResult {
	logger := o.logger.With(zap.String("attempt_id", uuid.NewString()), zap.String("email", email))
	fail := func(res StepResult) AttemptResult {
		return AttemptResult{Email: email, Error: res.Error, ErrorKind: res.ErrorKind}
	}

	// 1. Fresh browser.
	session, err := o.sessions.NewSession(ctx)
	if err != nil {
		return fail(stepFail(ErrKindUnknown, "starting browser session: %v", err))
	}
	defer o.teardown(ctx, session, logger)

	// 2. Login page.
	if err := session.Navigate(ctx, o.opts.LoginURL); err != nil {
		return fail(stepFail(ErrKindUnknown, "opening login page: %v", err))
	}
	if err := o.clock.Sleep(ctx, o.opts.LoginSettle); err != nil {
		return fail(interrupted(err))
	}

	// 3. Email code exchange.
	if res := o.email.Run(ctx, session, email); !res.Success {
		return fail(res)
	}

	// 4. New accounts must name themselves.
	if mode == ModeRegister {
		if res := o.name.Run(ctx, session); !res.Success {
			return fail(res)
		}
	}

	// 5. Redirect to the workspace.
	if res := o.workspace.Wait(ctx, session); !res.Success {
		return fail(res)
	}

	// 6. Session config.
	cfg, err := o.extractor.ExtractWithRetry(ctx, session)
	if err != nil {
		if ctx.Err() != nil {
			return fail(interrupted(ctx.Err()))
		}
		return fail(StepResult{Error: err.Error(), ErrorKind: ErrKindExtractConfigFailed})
	}

	logger.Info("Authentication succeeded", zap.String("config_id", cfg.ConfigID))
	return AttemptResult{Success: true, Email: email, Config: cfg}
}

// teardown quits the session even when ctx is already cancelled.
func (o *Orchestrator) teardown(ctx context.Context, s browser.Session, logger *zap.Logger) {
	quitCtx, cancel := context.WithTimeout(browser.Detach(ctx), o.opts.QuitTimeout)
	defer cancel()
	if err := s.Quit(quitCtx); err != nil {
		logger.Warn("Failed to close browser session", zap.Error(err))
	}
}
