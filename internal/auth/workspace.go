package auth

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/browser"
)

// WorkspaceWaiter waits for the post-verification redirect to the workspace,
// replacing the tab when it crashes on the way.
type WorkspaceWaiter struct {
	clock    Clock
	detector *CrashDetector
	recovery *TabRecovery
	opts     WorkspaceOptions
	logger   *zap.Logger
}

// NewWorkspaceWaiter wires the waiter.
func NewWorkspaceWaiter(clock Clock, detector *CrashDetector, recovery *TabRecovery, opts WorkspaceOptions, logger *zap.Logger) *WorkspaceWaiter {
	return &WorkspaceWaiter{clock: clock, detector: detector, recovery: recovery, opts: opts, logger: logger.Named("workspace")}
}

// Matches reports whether rawURL is inside a workspace.
func (o WorkspaceOptions) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(u.Host, o.Host) && strings.Contains(u.Path, o.PathMarker)
}

// Wait polls once per interval. Recovery runs at most MaxCrashRetries times;
// the crash after that ends the wait.
func (w *WorkspaceWaiter) Wait(ctx context.Context, s browser.Session) StepResult {
	ticks := pollCount(w.opts.Timeout, w.opts.PollInterval)
	crashes := 0

	handleCrash := func(sig PageSignal) (StepResult, bool) {
		crashes++
		w.logger.Warn("Tab crashed while waiting for the workspace",
			zap.Int("crashes", crashes), zap.Int("max_recoveries", w.opts.MaxCrashRetries), zap.NamedError("signal", sig.Err))
		if crashes > w.opts.MaxCrashRetries {
			return stepFail(ErrKindWorkspaceTimeout, "tab crashed %d times while waiting for the workspace", crashes), true
		}
		if !w.recovery.Recover(ctx, s, w.opts.RootURL) {
			if ctx.Err() != nil {
				return interrupted(ctx.Err()), true
			}
			return stepFail(ErrKindWorkspaceTimeout, "could not recover from a crashed tab"), true
		}
		return StepResult{}, false
	}

	for i := 0; i < ticks; i++ {
		if err := w.clock.Sleep(ctx, w.opts.PollInterval); err != nil {
			return interrupted(err)
		}

		sig, crashed := w.detector.Check(ctx, s)
		if crashed {
			if res, done := handleCrash(sig); done {
				return res
			}
			continue
		}
		if sig.Err != nil {
			continue
		}

		current, err := s.CurrentURL(ctx)
		if err != nil {
			if w.detector.IsCrashError(err) {
				if res, done := handleCrash(PageSignal{Err: err}); done {
					return res
				}
			}
			continue
		}
		if w.opts.Matches(current) {
			w.logger.Info("Workspace reached", zap.String("url", current))
			return stepOK()
		}
	}
	return stepFail(ErrKindWorkspaceTimeout, "workspace not reached within %v", w.opts.Timeout)
}
