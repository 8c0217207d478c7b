package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/authflow/internal/browser"
	"github.com/xkilldash9x/authflow/internal/mailbox"
	"github.com/xkilldash9x/authflow/internal/verification"
)

func newEmailStep(t *testing.T, mb Mailbox, clock Clock, opts VerificationOptions) *EmailVerificationStep {
	t.Helper()
	return NewEmailVerificationStep(mb, verification.Extract, clock, DefaultSelectors(), opts, zaptest.NewLogger(t))
}

func TestEmailVerificationStep_Success(t *testing.T) {
	page := newLoginPage(time.Time{})
	mb := new(mockMailbox)
	mb.On("Poll", mock.Anything, testEmail, testSender).Return([]mailbox.Record{codeMail("41", "ABC123")}, nil).Once()
	mb.On("Delete", mock.Anything, mailbox.RecordID("41")).Return(nil).Once()

	res := newEmailStep(t, mb, newFakeClock(), testOptions().Verification).Run(context.Background(), page, testEmail)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, testEmail, page.emailInput.Typed())
	assert.Equal(t, "ABC123", page.pinInput.Typed())
	assert.Equal(t, []browser.ClickMode{browser.ClickScript}, page.continueBt.clicks)
	assert.Equal(t, 1, page.verifyBt.ClickCount())
	assert.Equal(t, 0, page.resendBt.ClickCount())
	mb.AssertExpectations(t)
}

func TestEmailVerificationStep_PinInputMissing(t *testing.T) {
	page := newLoginPage(time.Time{})
	page.remove(DefaultSelectors().PinInput)
	mb := new(mockMailbox)

	res := newEmailStep(t, mb, newFakeClock(), testOptions().Verification).Run(context.Background(), page, testEmail)

	assert.False(t, res.Success)
	assert.Equal(t, ErrKindPinInputNotFound, res.ErrorKind)
	assert.True(t, res.ErrorKind.Retryable())
	mb.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything, mock.Anything)
}

func TestEmailVerificationStep_CodeTimeout(t *testing.T) {
	t.Run("no mail and resend disabled", func(t *testing.T) {
		page := newLoginPage(time.Time{})
		mb := new(mockMailbox)
		mb.On("Poll", mock.Anything, testEmail, testSender).Return(nil, nil)

		opts := testOptions().Verification
		opts.RetryEnabled = false
		res := newEmailStep(t, mb, newFakeClock(), opts).Run(context.Background(), page, testEmail)

		assert.Equal(t, ErrKindCodeTimeout, res.ErrorKind)
		assert.False(t, res.ErrorKind.Retryable())
		assert.Contains(t, res.Error, "no verification mail received after 15 polls")
		mb.AssertNumberOfCalls(t, "Poll", 15)
		assert.Equal(t, 0, page.resendBt.ClickCount())
		assert.Empty(t, page.pinInput.Typed())
	})

	t.Run("mail without a code", func(t *testing.T) {
		page := newLoginPage(time.Time{})
		mb := new(mockMailbox)
		mb.On("Poll", mock.Anything, testEmail, testSender).
			Return([]mailbox.Record{{ID: "7", Address: testEmail, Source: testSender, Raw: "welcome aboard"}}, nil)

		opts := testOptions().Verification
		opts.RetryEnabled = false
		res := newEmailStep(t, mb, newFakeClock(), opts).Run(context.Background(), page, testEmail)

		assert.Equal(t, ErrKindCodeTimeout, res.ErrorKind)
		assert.Contains(t, res.Error, "received but no code")
		mb.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})

	t.Run("resends until exhausted", func(t *testing.T) {
		page := newLoginPage(time.Time{})
		mb := new(mockMailbox)
		mb.On("Poll", mock.Anything, testEmail, testSender).Return(nil, errors.New("connection reset"))

		opts := testOptions().Verification
		opts.RetryEnabled = true
		opts.MaxCodeRetries = 2
		res := newEmailStep(t, mb, newFakeClock(), opts).Run(context.Background(), page, testEmail)

		assert.Equal(t, ErrKindCodeTimeout, res.ErrorKind)
		assert.Equal(t, 2, page.resendBt.ClickCount())
		mb.AssertNumberOfCalls(t, "Poll", 45)
	})
}

func TestEmailVerificationStep_ResendRecoversCode(t *testing.T) {
	page := newLoginPage(time.Time{})
	mb := new(mockMailbox)
	mb.On("Poll", mock.Anything, testEmail, testSender).Return(nil, nil).Times(15)
	mb.On("Poll", mock.Anything, testEmail, testSender).Return([]mailbox.Record{codeMail("9", "Q7W8E9")}, nil)
	mb.On("Delete", mock.Anything, mailbox.RecordID("9")).Return(nil)

	opts := testOptions().Verification
	opts.RetryEnabled = true
	res := newEmailStep(t, mb, newFakeClock(), opts).Run(context.Background(), page, testEmail)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, page.resendBt.ClickCount())
	assert.Equal(t, "Q7W8E9", page.pinInput.Typed())
}

func TestEmailVerificationStep_CodeEntryFallback(t *testing.T) {
	sel := DefaultSelectors()

	t.Run("first slot takes the code", func(t *testing.T) {
		page := newLoginPage(time.Time{})
		page.pinInput.typeErr = errors.New("element detached")
		slot := page.add(sel.FirstPinSlot, &fakeElement{displayed: true})
		page.active = &fakeElement{displayed: true}

		mb := new(mockMailbox)
		mb.On("Poll", mock.Anything, testEmail, testSender).Return([]mailbox.Record{codeMail("1", "ZX12CV")}, nil)
		mb.On("Delete", mock.Anything, mock.Anything).Return(nil)

		res := newEmailStep(t, mb, newFakeClock(), testOptions().Verification).Run(context.Background(), page, testEmail)

		require.True(t, res.Success, res.Error)
		assert.Equal(t, 1, slot.ClickCount())
		assert.Equal(t, "ZX12CV", page.active.Typed())
	})

	t.Run("both strategies fail", func(t *testing.T) {
		page := newLoginPage(time.Time{})
		page.pinInput.typeErr = errors.New("element detached")

		mb := new(mockMailbox)
		mb.On("Poll", mock.Anything, testEmail, testSender).Return([]mailbox.Record{codeMail("1", "ZX12CV")}, nil)
		mb.On("Delete", mock.Anything, mock.Anything).Return(nil)

		res := newEmailStep(t, mb, newFakeClock(), testOptions().Verification).Run(context.Background(), page, testEmail)

		assert.Equal(t, ErrKindCodeInputFailed, res.ErrorKind)
		assert.Contains(t, res.Error, "element detached")
		assert.Equal(t, 0, page.verifyBt.ClickCount())
	})
}

func TestEmailVerificationStep_SubmitByLabel(t *testing.T) {
	sel := DefaultSelectors()
	page := newLoginPage(time.Time{})
	page.remove(sel.VerifyButton)
	cancel := page.add(sel.Buttons, &fakeElement{displayed: true, text: "Cancel"})
	verify := page.add(sel.Buttons, &fakeElement{displayed: true, text: "  VERIFY  "})

	mb := new(mockMailbox)
	mb.On("Poll", mock.Anything, testEmail, testSender).Return([]mailbox.Record{codeMail("3", "ABC123")}, nil)
	mb.On("Delete", mock.Anything, mailbox.RecordID("3")).Return(errors.New("503 unavailable"))

	res := newEmailStep(t, mb, newFakeClock(), testOptions().Verification).Run(context.Background(), page, testEmail)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 0, cancel.ClickCount())
	assert.Equal(t, 1, verify.ClickCount())
	mb.AssertExpectations(t)
}

func TestEmailVerificationStep_Cancelled(t *testing.T) {
	page := newLoginPage(time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newEmailStep(t, new(mockMailbox), newFakeClock(), testOptions().Verification).Run(ctx, page, testEmail)

	assert.False(t, res.Success)
	assert.Equal(t, ErrKindUnknown, res.ErrorKind)
	assert.Contains(t, res.Error, "interrupted")
}
