// internal/auth/email_step.go
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/browser"
	"github.com/xkilldash9x/authflow/internal/mailbox"
)

// EmailVerificationStep drives the form from email entry to submitting the
// emailed code. It holds no per-run state and may be shared across attempts.
type EmailVerificationStep struct {
	mailbox Mailbox
	extract CodeExtractor
	clock   Clock
	sel     Selectors
	opts    VerificationOptions
	logger  *zap.Logger
}

// NewEmailVerificationStep wires the step.
func NewEmailVerificationStep(mb Mailbox, extract CodeExtractor, clock Clock, sel Selectors, opts VerificationOptions, logger *zap.Logger) *EmailVerificationStep {
	return &EmailVerificationStep{
		mailbox: mb,
		extract: extract,
		clock:   clock,
		sel:     sel,
		opts:    opts,
		logger:  logger.Named("email_verification"),
	}
}

// Run performs the exchange on the login page currently shown by s.
func (st *EmailVerificationStep) Run(ctx context.Context, s browser.Session, email string) StepResult {
	logger := st.logger.With(zap.String("email", email))

	// 1. Enter the address and continue.
	if res := st.enterEmail(ctx, s, email); !res.Success {
		return res
	}

	// 2. The code field only shows up once the site has sent the mail.
	if _, err := st.waitFor(ctx, s, st.sel.PinInput); err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx.Err())
		}
		logger.Warn("Verification code field did not appear", zap.Error(err))
		return stepFail(ErrKindPinInputNotFound, "verification code field did not appear")
	}

	// 3. Fetch the code, resending if allowed.
	code, res := st.acquireCode(ctx, s, email, logger)
	if !res.Success {
		return res
	}

	// 4. Type it in.
	if err := st.clock.Sleep(ctx, st.opts.PreCodeEntryWait); err != nil {
		return interrupted(err)
	}
	if res := st.enterCode(ctx, s, code, logger); !res.Success {
		return res
	}

	// 5. Submit. Nothing after this point is treated as a failure.
	if err := st.clock.Sleep(ctx, st.opts.PreSubmitWait); err != nil {
		return interrupted(err)
	}
	st.submit(ctx, s, logger)
	return stepOK()
}

func (st *EmailVerificationStep) waitFor(ctx context.Context, s browser.Session, sel browser.Selector) (browser.Element, error) {
	return waitForElement(ctx, st.clock, s, sel, st.opts.ElementTimeout, st.opts.ElementPollInterval)
}

func (st *EmailVerificationStep) enterEmail(ctx context.Context, s browser.Session, email string) StepResult {
	input, err := st.waitFor(ctx, s, st.sel.EmailInput)
	if err != nil {
		return stepFail(ErrKindUnknown, "email field unavailable: %v", err)
	}
	if err := input.Click(ctx, browser.ClickNative); err != nil {
		return stepFail(ErrKindUnknown, "focusing email field: %v", err)
	}
	if err := input.Clear(ctx); err != nil {
		return stepFail(ErrKindUnknown, "clearing email field: %v", err)
	}
	if err := input.Type(ctx, email, st.opts.EmailKeyDelay); err != nil {
		return stepFail(ErrKindUnknown, "typing email: %v", err)
	}

	if err := st.clock.Sleep(ctx, st.opts.PreContinueWait); err != nil {
		return interrupted(err)
	}
	btn, err := st.waitFor(ctx, s, st.sel.ContinueButton)
	if err != nil {
		return stepFail(ErrKindUnknown, "continue button unavailable: %v", err)
	}
	if err := btn.Click(ctx, browser.ClickScript); err != nil {
		return stepFail(ErrKindUnknown, "clicking continue: %v", err)
	}
	if err := st.clock.Sleep(ctx, st.opts.PostContinueWait); err != nil {
		return interrupted(err)
	}
	return stepOK()
}

// pollOutcome records what a polling window saw, to tell "no mail" apart from
// "mail without a readable code" in the failure message.
type pollOutcome struct {
	polls   int
	matched int
}

func (st *EmailVerificationStep) acquireCode(ctx context.Context, s browser.Session, email string, logger *zap.Logger) (string, StepResult) {
	var outcome pollOutcome

	code, err := st.pollWindow(ctx, email, &outcome, logger)
	if err != nil {
		return "", interrupted(err)
	}

	if code == "" && st.opts.RetryEnabled && st.opts.MaxCodeRetries > 0 {
		for i := 1; i <= st.opts.MaxCodeRetries && code == ""; i++ {
			logger.Info("Code not received, requesting a new one",
				zap.Int("resend", i), zap.Int("max_resends", st.opts.MaxCodeRetries))
			st.clickResend(ctx, s, logger)

			if err := st.clock.Sleep(ctx, st.opts.RetryInterval); err != nil {
				return "", interrupted(err)
			}
			if code, err = st.pollWindow(ctx, email, &outcome, logger); err != nil {
				return "", interrupted(err)
			}
		}
	}

	if code == "" {
		if outcome.matched > 0 {
			return "", stepFail(ErrKindCodeTimeout, "verification mail received but no code could be extracted after %d polls", outcome.polls)
		}
		return "", stepFail(ErrKindCodeTimeout, "no verification mail received after %d polls", outcome.polls)
	}
	return code, stepOK()
}

// pollWindow polls the mailbox until a code is found or CodeTimeout elapses.
// Mailbox errors count as "nothing yet".
func (st *EmailVerificationStep) pollWindow(ctx context.Context, email string, outcome *pollOutcome, logger *zap.Logger) (string, error) {
	deadline := st.clock.Now().Add(st.opts.CodeTimeout)
	for st.clock.Now().Before(deadline) {
		outcome.polls++
		records, err := st.mailbox.Poll(ctx, email, st.opts.Sender)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Debug("Mailbox poll failed", zap.Error(err))
		}
		for _, rec := range records {
			outcome.matched++
			code, ok := st.extract(rec)
			if !ok {
				logger.Debug("Mail carries no recognizable code", zap.String("mail_id", string(rec.ID)))
				continue
			}
			logger.Info("Verification code received", zap.String("mail_id", string(rec.ID)), zap.String("code", code))
			st.discard(ctx, rec.ID, logger)
			return code, nil
		}
		if err := st.clock.Sleep(ctx, st.opts.PollInterval); err != nil {
			return "", err
		}
	}
	return "", nil
}

// discard deletes a consumed mail so a later poll cannot pick up a stale code.
func (st *EmailVerificationStep) discard(ctx context.Context, id mailbox.RecordID, logger *zap.Logger) {
	if id == "" {
		return
	}
	if err := st.mailbox.Delete(ctx, id); err != nil {
		logger.Warn("Failed to delete consumed mail", zap.String("mail_id", string(id)), zap.Error(err))
	}
}

func (st *EmailVerificationStep) clickResend(ctx context.Context, s browser.Session, logger *zap.Logger) {
	btn, err := st.waitFor(ctx, s, st.sel.ResendButton)
	if err == nil {
		err = btn.Click(ctx, browser.ClickScript)
	}
	if err != nil {
		logger.Warn("Could not click resend", zap.Error(err))
	}
}

func (st *EmailVerificationStep) enterCode(ctx context.Context, s browser.Session, code string, logger *zap.Logger) StepResult {
	primaryErr := st.typeIntoPinField(ctx, s, code)
	if primaryErr == nil {
		return stepOK()
	}
	if ctx.Err() != nil {
		return interrupted(ctx.Err())
	}
	logger.Debug("Typing into the code field failed, trying the first slot", zap.Error(primaryErr))

	fallbackErr := st.typeIntoFirstSlot(ctx, s, code)
	if fallbackErr == nil {
		return stepOK()
	}
	return stepFail(ErrKindCodeInputFailed, "entering code failed: %v", errors.Join(primaryErr, fallbackErr))
}

func (st *EmailVerificationStep) typeIntoPinField(ctx context.Context, s browser.Session, code string) error {
	pin, err := st.waitFor(ctx, s, st.sel.PinInput)
	if err != nil {
		return err
	}
	if err := pin.Click(ctx, browser.ClickNative); err != nil {
		return err
	}
	if err := st.clock.Sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	return pin.Type(ctx, code, st.opts.CodeKeyDelay)
}

func (st *EmailVerificationStep) typeIntoFirstSlot(ctx context.Context, s browser.Session, code string) error {
	slot, err := s.FindElement(ctx, st.sel.FirstPinSlot)
	if err != nil {
		return err
	}
	if err := slot.Click(ctx, browser.ClickNative); err != nil {
		return err
	}
	if err := st.clock.Sleep(ctx, 200*time.Millisecond); err != nil {
		return err
	}
	active, err := s.ActiveElement(ctx)
	if err != nil {
		return err
	}
	return active.SendKeys(ctx, code)
}

func (st *EmailVerificationStep) submit(ctx context.Context, s browser.Session, logger *zap.Logger) {
	if btn, err := s.FindElement(ctx, st.sel.VerifyButton); err == nil {
		if err := btn.Click(ctx, browser.ClickScript); err == nil {
			return
		}
	}

	buttons, err := s.FindElements(ctx, st.sel.Buttons)
	if err != nil {
		logger.Warn("Could not list buttons to submit the code", zap.Error(err))
		return
	}
	labels := lowerAll(st.sel.VerifyLabels)
	for _, b := range buttons {
		text, err := b.Text(ctx)
		if err != nil || !containsAny(strings.ToLower(text), labels) {
			continue
		}
		if err := b.Click(ctx, browser.ClickScript); err != nil {
			logger.Warn("Clicking the verify button failed", zap.Error(err))
		}
		return
	}
	logger.Warn("No verify button found; relying on auto-submit")
}
