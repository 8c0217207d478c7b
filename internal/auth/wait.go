package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/authflow/internal/browser"
)

// waitForElement polls until sel matches or timeout elapses on clock.
func waitForElement(ctx context.Context, clock Clock, s browser.Session, sel browser.Selector, timeout, interval time.Duration) (browser.Element, error) {
	deadline := clock.Now().Add(timeout)
	for {
		el, err := s.FindElement(ctx, sel)
		if err == nil {
			return el, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !clock.Now().Before(deadline) {
			return nil, fmt.Errorf("waiting %v for %s: %w", timeout, sel, err)
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}

// interrupted turns a context error into a failed step.
func interrupted(err error) StepResult {
	return stepFail(ErrKindUnknown, "interrupted: %v", err)
}
