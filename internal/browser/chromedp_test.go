package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConvertCookie(t *testing.T) {
	persistent := convertCookie(&network.Cookie{
		Name:     "__Secure-C_SES",
		Value:    "ses",
		Domain:   ".example.com",
		Path:     "/",
		Expires:  1767225600.5,
		Secure:   true,
		HTTPOnly: true,
	})
	assert.Equal(t, "__Secure-C_SES", persistent.Name)
	assert.True(t, persistent.Secure)
	assert.Equal(t, time.Unix(1767225600, int64(500*time.Millisecond)), persistent.Expires)

	session := convertCookie(&network.Cookie{Name: "sid", Value: "x", Expires: -1, Session: true})
	assert.True(t, session.Expires.IsZero())
}

func TestRunBounded(t *testing.T) {
	t.Run("returns the function result", func(t *testing.T) {
		want := errors.New("boom")
		err := runBounded(context.Background(), time.Second, func() error { return want })
		assert.ErrorIs(t, err, want)
	})

	t.Run("gives up after the timeout", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		err := runBounded(context.Background(), 10*time.Millisecond, func() error {
			<-release
			return nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("honours cancellation", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := runBounded(ctx, time.Minute, func() error {
			<-release
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// recordingSession is a session over one tab whose actions go to exec instead
// of a browser.
func recordingSession(t *testing.T, exec func(context.Context, ...chromedp.Action) error) (*cdpSession, *tab) {
	t.Helper()
	s := &cdpSession{
		id:          "session-1",
		logger:      zaptest.NewLogger(t),
		opTimeout:   time.Second,
		allocCancel: func() {},
		browserCtx:  context.Background(),
		exec:        exec,
		tabs:        make(map[string]*tab),
	}
	tb := &tab{handle: "tab-0", ctx: context.Background(), cancel: func() {}, owner: true}
	s.tabs[tb.handle] = tb
	s.order = []string{tb.handle}
	s.current = tb.handle
	return s, tb
}

func TestCrashedTab(t *testing.T) {
	ctx := context.Background()

	t.Run("reads are rejected without reaching the browser", func(t *testing.T) {
		sent := 0
		s, tb := recordingSession(t, func(context.Context, ...chromedp.Action) error {
			sent++
			return nil
		})
		tb.crashed.Store(true)

		_, err := s.PageSource(ctx)
		assert.ErrorIs(t, err, ErrTargetCrashed)
		_, err = s.Cookies(ctx)
		assert.ErrorIs(t, err, ErrTargetCrashed)
		assert.Zero(t, sent)
		assert.True(t, tb.crashed.Load())
	})

	t.Run("reload revives the tab", func(t *testing.T) {
		sent := 0
		s, tb := recordingSession(t, func(context.Context, ...chromedp.Action) error {
			sent++
			return nil
		})
		tb.crashed.Store(true)

		require.NoError(t, s.Refresh(ctx))
		assert.Equal(t, 1, sent)
		assert.False(t, tb.crashed.Load())

		_, err := s.CurrentURL(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, sent)
	})

	t.Run("navigation revives the tab", func(t *testing.T) {
		s, tb := recordingSession(t, func(context.Context, ...chromedp.Action) error { return nil })
		tb.crashed.Store(true)

		require.NoError(t, s.Navigate(ctx, "https://business.gemini.google/"))
		assert.False(t, tb.crashed.Load())
	})

	t.Run("failed reload keeps the crash mark", func(t *testing.T) {
		s, tb := recordingSession(t, func(context.Context, ...chromedp.Action) error {
			return errors.New("target closed")
		})
		tb.crashed.Store(true)

		err := s.Refresh(ctx)
		assert.ErrorIs(t, err, ErrTargetCrashed)
		assert.True(t, tb.crashed.Load())
	})
}

func TestElementScriptCalls(t *testing.T) {
	ctx := context.Background()
	var sent [][]chromedp.Action
	s, tb := recordingSession(t, func(_ context.Context, actions ...chromedp.Action) error {
		sent = append(sent, actions)
		return nil
	})
	el := &cdpElement{session: s, tab: tb, node: &cdp.Node{NodeID: 7}}

	require.NoError(t, el.Click(ctx, ClickScript))
	_, err := el.Text(ctx)
	require.NoError(t, err)
	_, err = el.Displayed(ctx)
	require.NoError(t, err)
	require.Len(t, sent, 3)
	for _, actions := range sent {
		require.Len(t, actions, 1)
		assert.IsType(t, chromedp.ActionFunc(nil), actions[0])
	}

	tb.crashed.Store(true)
	assert.ErrorIs(t, el.Click(ctx, ClickScript), ErrTargetCrashed)
	assert.Len(t, sent, 3)
}
