package auth

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/browser"
)

// PageSignal is one observation of the active tab: its markup, or the error
// raised while reading it.
type PageSignal struct {
	HTML string
	Err  error
}

// CrashPredicate decides whether a signal shows a dead tab.
type CrashPredicate func(PageSignal) bool

// NewFingerprintPredicate matches markers case-insensitively against the page
// markup and the error text.
func NewFingerprintPredicate(htmlMarkers, errorMarkers []string) CrashPredicate {
	html := lowerAll(htmlMarkers)
	errs := lowerAll(errorMarkers)
	return func(sig PageSignal) bool {
		if sig.Err != nil {
			return containsAny(strings.ToLower(sig.Err.Error()), errs)
		}
		return containsAny(strings.ToLower(sig.HTML), html)
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// CrashDetector samples the active tab and applies a CrashPredicate.
type CrashDetector struct {
	predicate CrashPredicate
}

// NewCrashDetector wraps p.
func NewCrashDetector(p CrashPredicate) *CrashDetector {
	return &CrashDetector{predicate: p}
}

// Check reads the page source once and reports whether the tab is crashed.
func (d *CrashDetector) Check(ctx context.Context, s browser.Session) (PageSignal, bool) {
	html, err := s.PageSource(ctx)
	sig := PageSignal{HTML: html, Err: err}
	return sig, d.predicate(sig)
}

// IsCrashError applies the predicate to an error alone.
func (d *CrashDetector) IsCrashError(err error) bool {
	return err != nil && d.predicate(PageSignal{Err: err})
}

// TabRecovery replaces crashed tabs during the workspace wait. Instead of a
// reload, a fresh tab is opened and every old one is closed.
type TabRecovery struct {
	clock      Clock
	settle     time.Duration
	openSettle time.Duration
	logger     *zap.Logger
}

// NewTabRecovery creates a TabRecovery that waits settle after navigating.
func NewTabRecovery(clock Clock, settle time.Duration, logger *zap.Logger) *TabRecovery {
	return &TabRecovery{clock: clock, settle: settle, openSettle: 500 * time.Millisecond, logger: logger.Named("recovery")}
}

// Recover moves the session to a new tab showing targetURL. It reports false
// when no new tab could be opened or the navigation failed.
func (r *TabRecovery) Recover(ctx context.Context, s browser.Session, targetURL string) bool {
	original, err := s.TabHandles(ctx)
	if err != nil {
		r.logger.Error("Could not list tabs", zap.Error(err))
		return false
	}

	opened, err := s.NewTab(ctx)
	if err != nil {
		r.logger.Error("Could not open a new tab", zap.Error(err))
		return false
	}
	_ = r.clock.Sleep(ctx, r.openSettle)

	current, err := s.TabHandles(ctx)
	if err != nil {
		r.logger.Error("Could not list tabs", zap.Error(err))
		return false
	}
	fresh := newHandle(original, current)
	if fresh == "" {
		fresh = opened
	}
	if fresh == "" || contains(original, fresh) {
		r.logger.Error("Recovery failed", zap.Error(ErrNoNewTab))
		return false
	}

	if err := s.SwitchTab(ctx, fresh); err != nil {
		r.logger.Error("Could not switch to the new tab", zap.Error(err))
		return false
	}
	for _, h := range original {
		if err := s.SwitchTab(ctx, h); err != nil {
			continue
		}
		if err := s.CloseTab(ctx, h); err != nil {
			r.logger.Debug("Ignoring tab close failure", zap.String("tab", h), zap.Error(err))
		}
	}
	if err := s.SwitchTab(ctx, fresh); err != nil {
		r.logger.Error("Could not return to the new tab", zap.Error(err))
		return false
	}

	if err := s.Navigate(ctx, targetURL); err != nil {
		r.logger.Error("Navigation after recovery failed", zap.Error(err))
		return false
	}
	if err := r.clock.Sleep(ctx, r.settle); err != nil {
		return false
	}
	r.logger.Info("Recovered by replacing the crashed tab", zap.String("tab", fresh))
	return true
}

func newHandle(before, after []string) string {
	for _, h := range after {
		if !contains(before, h) {
			return h
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
