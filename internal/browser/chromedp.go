// File: internal/browser/chromedp.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

const (
	jsScriptClick = `function() { this.click(); return true; }`
	jsVisibleText = `function() { return ((this.innerText || this.textContent || this.value || '') + '').trim(); }`
	jsIsDisplayed = `function() {
		const style = window.getComputedStyle(this);
		const rect = this.getBoundingClientRect();
		return style.display !== 'none' && style.visibility !== 'hidden' && rect.width > 0 && rect.height > 0;
	}`
)

// tab is one page target. Its context carries the chromedp target.
type tab struct {
	handle  string
	ctx     context.Context
	cancel  context.CancelFunc
	owner   bool // the tab whose context owns the browser connection
	crashed atomic.Bool
}

// cdpSession implements Session over the DevTools protocol. Tab handles are
// target IDs.
type cdpSession struct {
	id          string
	logger      *zap.Logger
	opTimeout   time.Duration
	allocCancel context.CancelFunc
	browserCtx  context.Context
	// exec sends actions to a target; chromedp.Run outside of tests.
	exec func(ctx context.Context, actions ...chromedp.Action) error

	mu      sync.Mutex
	tabs    map[string]*tab
	order   []string
	current string
	closed  bool
}

var _ Session = (*cdpSession)(nil)

func newCDPSession(id string, browserCtx context.Context, browserCancel, allocCancel context.CancelFunc, opTimeout time.Duration, logger *zap.Logger) *cdpSession {
	s := &cdpSession{
		id:          id,
		logger:      logger,
		opTimeout:   opTimeout,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		exec:        chromedp.Run,
		tabs:        make(map[string]*tab),
	}
	first := s.register(browserCtx, browserCancel, true)
	s.current = first.handle
	return s
}

// register tracks a tab whose target has already been created.
func (s *cdpSession) register(ctx context.Context, cancel context.CancelFunc, owner bool) *tab {
	t := &tab{
		handle: targetHandle(ctx),
		ctx:    ctx,
		cancel: cancel,
		owner:  owner,
	}
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if _, ok := ev.(*inspector.EventTargetCrashed); ok {
			t.crashed.Store(true)
			s.logger.Warn("Renderer crashed", zap.String("tab", t.handle))
		}
	})

	s.mu.Lock()
	s.tabs[t.handle] = t
	s.order = append(s.order, t.handle)
	s.mu.Unlock()
	return t
}

func targetHandle(ctx context.Context) string {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return ""
	}
	return string(c.Target.TargetID)
}

func (s *cdpSession) ID() string { return s.id }

func (s *cdpSession) activeTab() (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	t, ok := s.tabs[s.current]
	if !ok {
		return nil, ErrNoActiveTab
	}
	return t, nil
}

// runOn executes actions against t, bounded by ctx and the per-operation timeout.
// A crashed tab rejects everything except a reload or a navigation.
func (s *cdpSession) runOn(ctx context.Context, t *tab, actions ...chromedp.Action) error {
	if t.crashed.Load() {
		return ErrTargetCrashed
	}
	return s.send(ctx, t, actions...)
}

// reviveOn sends a reload or navigation even to a crashed tab. Success brings
// the renderer back, so the crash mark is cleared.
func (s *cdpSession) reviveOn(ctx context.Context, t *tab, actions ...chromedp.Action) error {
	wasCrashed := t.crashed.Load()
	if err := s.send(ctx, t, actions...); err != nil {
		return err
	}
	if wasCrashed && t.crashed.CompareAndSwap(true, false) {
		s.logger.Info("Tab recovered", zap.String("tab", t.handle))
	}
	return nil
}

func (s *cdpSession) send(ctx context.Context, t *tab, actions ...chromedp.Action) error {
	opCtx, cancelOp := context.WithTimeout(ctx, s.opTimeout)
	defer cancelOp()
	runCtx, cancelRun := CombineContext(t.ctx, opCtx)
	defer cancelRun()

	if err := s.exec(runCtx, actions...); err != nil {
		if t.crashed.Load() {
			return fmt.Errorf("%w: %v", ErrTargetCrashed, err)
		}
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("browser operation timed out after %v: %w", s.opTimeout, err)
		}
		return err
	}
	return nil
}

func (s *cdpSession) run(ctx context.Context, actions ...chromedp.Action) error {
	t, err := s.activeTab()
	if err != nil {
		return err
	}
	return s.runOn(ctx, t, actions...)
}

func (s *cdpSession) revive(ctx context.Context, action chromedp.Action) error {
	t, err := s.activeTab()
	if err != nil {
		return err
	}
	return s.reviveOn(ctx, t, action)
}

func (s *cdpSession) Navigate(ctx context.Context, url string) error {
	if err := s.revive(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (s *cdpSession) Refresh(ctx context.Context) error {
	if err := s.revive(ctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("reloading page: %w", err)
	}
	return nil
}

func (s *cdpSession) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := s.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return u, nil
}

func (s *cdpSession) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("reading page source: %w", err)
	}
	return html, nil
}

func (s *cdpSession) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, convertCookie(c))
	}
	return cookies, nil
}

func convertCookie(c *network.Cookie) Cookie {
	out := Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if !c.Session && c.Expires > 0 {
		sec := int64(c.Expires)
		nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
		out.Expires = time.Unix(sec, nsec)
	}
	return out
}

func queryOption(by By) chromedp.QueryOption {
	switch by {
	case ByXPath:
		return chromedp.BySearch
	default:
		return chromedp.ByQueryAll
	}
}

func (s *cdpSession) FindElements(ctx context.Context, sel Selector) ([]Element, error) {
	t, err := s.activeTab()
	if err != nil {
		return nil, err
	}
	var nodes []*cdp.Node
	if err := s.runOn(ctx, t, chromedp.Nodes(sel.Value, &nodes, queryOption(sel.By), chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("querying %s: %w", sel, err)
	}
	elems := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		elems = append(elems, &cdpElement{session: s, tab: t, node: n})
	}
	return elems, nil
}

func (s *cdpSession) FindElement(ctx context.Context, sel Selector) (Element, error) {
	elems, err := s.FindElements(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, sel)
	}
	return elems[0], nil
}

func (s *cdpSession) ActiveElement(ctx context.Context) (Element, error) {
	t, err := s.activeTab()
	if err != nil {
		return nil, err
	}
	var nodes []*cdp.Node
	if err := s.runOn(ctx, t, chromedp.Nodes("document.activeElement", &nodes, chromedp.ByJSPath, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("resolving active element: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: active element", ErrElementNotFound)
	}
	return &cdpElement{session: s, tab: t, node: nodes[0]}, nil
}

func (s *cdpSession) TabHandles(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	handles := make([]string, len(s.order))
	copy(handles, s.order)
	return handles, nil
}

func (s *cdpSession) NewTab(ctx context.Context) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}

	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	// The first Run attaches the new target; it must not carry the caller's
	// deadline or the tab dies with it.
	if err := runBounded(ctx, s.opTimeout, func() error { return chromedp.Run(tabCtx) }); err != nil {
		cancel()
		return "", fmt.Errorf("opening tab: %w", err)
	}
	t := s.register(tabCtx, cancel, false)
	if t.handle == "" {
		cancel()
		return "", errors.New("opening tab: target has no id")
	}
	s.logger.Debug("Opened tab", zap.String("tab", t.handle))
	return t.handle, nil
}

func (s *cdpSession) SwitchTab(ctx context.Context, handle string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	t, ok := s.tabs[handle]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchTab, handle)
	}
	s.current = handle
	s.mu.Unlock()

	if err := s.runOn(ctx, t, page.BringToFront()); err != nil {
		s.logger.Debug("Could not bring tab to front", zap.String("tab", handle), zap.Error(err))
	}
	return nil
}

func (s *cdpSession) CloseTab(ctx context.Context, handle string) error {
	s.mu.Lock()
	t, ok := s.tabs[handle]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchTab, handle)
	}
	delete(s.tabs, handle)
	for i, h := range s.order {
		if h == handle {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.current == handle {
		s.current = ""
	}
	s.mu.Unlock()

	if t.owner {
		// Cancelling the owner context would tear down the whole browser, so the
		// page is closed through the protocol instead.
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		runCtx, cancelRun := CombineContext(t.ctx, opCtx)
		defer cancelRun()
		return chromedp.Run(runCtx, page.Close())
	}
	t.cancel()
	return nil
}

func (s *cdpSession) Quit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var others []*tab
	var owner *tab
	for _, t := range s.tabs {
		if t.owner {
			owner = t
		} else {
			others = append(others, t)
		}
	}
	s.tabs = map[string]*tab{}
	s.order = nil
	s.mu.Unlock()

	for _, t := range others {
		t.cancel()
	}

	err := runBounded(ctx, s.opTimeout, func() error { return chromedp.Cancel(s.browserCtx) })
	if owner != nil {
		owner.cancel()
	}
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing browser: %w", err)
	}
	s.logger.Debug("Browser session closed", zap.String("session_id", s.id))
	return nil
}

// runBounded runs fn, which must not be handed a deadline, and stops waiting
// for it after timeout or when ctx is done.
func runBounded(ctx context.Context, timeout time.Duration, fn func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cdpElement is a node resolved in a specific tab.
type cdpElement struct {
	session *cdpSession
	tab     *tab
	node    *cdp.Node
}

func (e *cdpElement) ids() []cdp.NodeID { return []cdp.NodeID{e.node.NodeID} }

func (e *cdpElement) call(ctx context.Context, fn string, res interface{}) error {
	return e.session.runOn(ctx, e.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(e.node.NodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolving node: %w", err)
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()

		return chromedp.CallFunctionOn(fn, res, func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
			return p.WithObjectID(obj.ObjectID)
		}).Do(ctx)
	}))
}

func (e *cdpElement) Click(ctx context.Context, mode ClickMode) error {
	if mode == ClickScript {
		var clicked bool
		return e.call(ctx, jsScriptClick, &clicked)
	}
	return e.session.runOn(ctx, e.tab, chromedp.MouseClickNode(e.node))
}

func (e *cdpElement) Clear(ctx context.Context) error {
	return e.session.runOn(ctx, e.tab, chromedp.Clear(e.ids(), chromedp.ByNodeID))
}

func (e *cdpElement) Type(ctx context.Context, text string, perChar time.Duration) error {
	for i, r := range text {
		if i > 0 && perChar > 0 {
			if err := sleep(ctx, perChar); err != nil {
				return err
			}
		}
		if err := e.SendKeys(ctx, string(r)); err != nil {
			return err
		}
	}
	return nil
}

func (e *cdpElement) SendKeys(ctx context.Context, text string) error {
	return e.session.runOn(ctx, e.tab, chromedp.SendKeys(e.ids(), text, chromedp.ByNodeID))
}

func (e *cdpElement) PressEnter(ctx context.Context) error {
	return e.SendKeys(ctx, kb.Enter)
}

func (e *cdpElement) Text(ctx context.Context) (string, error) {
	var text string
	if err := e.call(ctx, jsVisibleText, &text); err != nil {
		return "", err
	}
	return text, nil
}

func (e *cdpElement) Displayed(ctx context.Context) (bool, error) {
	var visible bool
	if err := e.call(ctx, jsIsDisplayed, &visible); err != nil {
		return false, err
	}
	return visible, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
