package auth

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/browser"
)

// DefaultNames is the pool RandomName draws from.
var DefaultNames = []string{
	"James Smith", "John Johnson", "Robert Williams", "Michael Brown", "William Jones",
	"David Garcia", "Mary Miller", "Patricia Davis", "Jennifer Rodriguez", "Linda Martinez",
}

// NamePicker returns the display name to register with.
type NamePicker func() string

// RandomName picks uniformly from DefaultNames.
func RandomName() string {
	return DefaultNames[rand.IntN(len(DefaultNames))]
}

// NameEntryStep fills in the full-name form shown after a new account verifies.
type NameEntryStep struct {
	clock  Clock
	pick   NamePicker
	sel    []browser.Selector
	opts   NameOptions
	logger *zap.Logger
}

// NewNameEntryStep wires the step.
func NewNameEntryStep(clock Clock, pick NamePicker, sel []browser.Selector, opts NameOptions, logger *zap.Logger) *NameEntryStep {
	if pick == nil {
		pick = RandomName
	}
	return &NameEntryStep{clock: clock, pick: pick, sel: sel, opts: opts, logger: logger.Named("name_entry")}
}

// Run waits for a visible name field, types a name and presses Enter.
func (n *NameEntryStep) Run(ctx context.Context, s browser.Session) StepResult {
	if err := n.clock.Sleep(ctx, n.opts.SettleWait); err != nil {
		return interrupted(err)
	}

	polls := pollCount(n.opts.Timeout, n.opts.PollInterval)
	for i := 0; i < polls; i++ {
		if field := n.visibleField(ctx, s); field != nil {
			return n.fill(ctx, field)
		}
		if err := n.clock.Sleep(ctx, n.opts.PollInterval); err != nil {
			return interrupted(err)
		}
	}
	n.logger.Warn("Full name field not found", zap.Int("polls", polls))
	return stepFail(ErrKindNameInputNotFound, "full name field not found")
}

func (n *NameEntryStep) visibleField(ctx context.Context, s browser.Session) browser.Element {
	for _, sel := range n.sel {
		el, err := s.FindElement(ctx, sel)
		if err != nil {
			continue
		}
		if visible, err := el.Displayed(ctx); err == nil && visible {
			return el
		}
	}
	return nil
}

func (n *NameEntryStep) fill(ctx context.Context, field browser.Element) StepResult {
	name := n.pick()
	n.logger.Info("Entering full name", zap.String("name", name))

	if err := field.Click(ctx, browser.ClickNative); err != nil {
		return stepFail(ErrKindUnknown, "focusing name field: %v", err)
	}
	if err := n.clock.Sleep(ctx, 200*time.Millisecond); err != nil {
		return interrupted(err)
	}
	if err := field.Clear(ctx); err != nil {
		return stepFail(ErrKindUnknown, "clearing name field: %v", err)
	}
	if err := field.Type(ctx, name, n.opts.KeyDelay); err != nil {
		return stepFail(ErrKindUnknown, "typing name: %v", err)
	}
	if err := n.clock.Sleep(ctx, 300*time.Millisecond); err != nil {
		return interrupted(err)
	}
	if err := field.PressEnter(ctx); err != nil {
		return stepFail(ErrKindUnknown, "submitting name: %v", err)
	}
	if err := n.clock.Sleep(ctx, time.Second); err != nil {
		return interrupted(err)
	}
	return stepOK()
}

// pollCount is the number of ticks of interval that fit in timeout, at least one.
func pollCount(timeout, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(timeout / interval)
	if n < 1 {
		return 1
	}
	return n
}
