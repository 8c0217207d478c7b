package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/authflow/internal/browser"
	"github.com/xkilldash9x/authflow/internal/mailbox"
)

const (
	testEmail     = "user@example.com"
	testSender    = "noreply@accounts.example.com"
	testLoginURL  = "https://auth.example.com/signin"
	workspaceURL  = "https://business.gemini.google/home/cid/cfg-42?csesidx=777"
	workspaceRoot = "https://business.gemini.google/"
)

// -- Fake clock --

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
	return nil
}

// -- Fake browser --

type fakeElement struct {
	mu        sync.Mutex
	name      string
	displayed bool
	text      string
	clickErr  error
	typeErr   error
	onClick   func()
	clicks    []browser.ClickMode
	typed     strings.Builder
	enters    int
}

func (e *fakeElement) Click(ctx context.Context, mode browser.ClickMode) error {
	e.mu.Lock()
	if e.clickErr != nil {
		e.mu.Unlock()
		return e.clickErr
	}
	e.clicks = append(e.clicks, mode)
	onClick := e.onClick
	e.mu.Unlock()
	if onClick != nil {
		onClick()
	}
	return nil
}

func (e *fakeElement) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typed.Reset()
	return nil
}

func (e *fakeElement) Type(ctx context.Context, text string, perChar time.Duration) error {
	return e.SendKeys(ctx, text)
}

func (e *fakeElement) SendKeys(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.typeErr != nil {
		return e.typeErr
	}
	e.typed.WriteString(text)
	return nil
}

func (e *fakeElement) PressEnter(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enters++
	return nil
}

func (e *fakeElement) Text(ctx context.Context) (string, error) { return e.text, nil }

func (e *fakeElement) Displayed(ctx context.Context) (bool, error) { return e.displayed, nil }

func (e *fakeElement) Typed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typed.String()
}

func (e *fakeElement) ClickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clicks)
}

// fakeSession models a single browser with a scriptable page.
type fakeSession struct {
	mu sync.Mutex

	elements map[string][]*fakeElement
	active   *fakeElement

	url         string
	urlFn       func() (string, error)
	html        string
	sourceFn    func() (string, error)
	cookies     []browser.Cookie
	cookiesErr  error
	navigateErr error
	refreshErr  error
	onRefresh   func()

	tabs       []string
	current    string
	nextTab    int
	newTabErr  error
	closedTabs []string

	navigations []string
	refreshes   int
	quits       int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		elements: make(map[string][]*fakeElement),
		tabs:     []string{"tab-0"},
		current:  "tab-0",
		html:     "<html><body>ok</body></html>",
	}
}

// add registers an element under a selector and returns it.
func (s *fakeSession) add(sel browser.Selector, el *fakeElement) *fakeElement {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el.name == "" {
		el.name = sel.Value
	}
	s.elements[sel.Value] = append(s.elements[sel.Value], el)
	return el
}

func (s *fakeSession) remove(sel browser.Selector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, sel.Value)
}

func (s *fakeSession) setURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = u
}

func (s *fakeSession) ID() string { return "fake" }

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, url)
	if s.navigateErr != nil {
		return s.navigateErr
	}
	s.url = url
	return nil
}

func (s *fakeSession) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.refreshes++
	err, hook := s.refreshErr, s.onRefresh
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (s *fakeSession) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	fn, u := s.urlFn, s.url
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return u, nil
}

func (s *fakeSession) PageSource(ctx context.Context) (string, error) {
	s.mu.Lock()
	fn, html := s.sourceFn, s.html
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return html, nil
}

func (s *fakeSession) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]browser.Cookie(nil), s.cookies...), s.cookiesErr
}

func (s *fakeSession) FindElement(ctx context.Context, sel browser.Selector) (browser.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if els := s.elements[sel.Value]; len(els) > 0 {
		return els[0], nil
	}
	return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, sel)
}

func (s *fakeSession) FindElements(ctx context.Context, sel browser.Selector) ([]browser.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]browser.Element, 0, len(s.elements[sel.Value]))
	for _, el := range s.elements[sel.Value] {
		out = append(out, el)
	}
	return out, nil
}

func (s *fakeSession) ActiveElement(ctx context.Context) (browser.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, browser.ErrElementNotFound
	}
	return s.active, nil
}

func (s *fakeSession) TabHandles(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tabs...), nil
}

func (s *fakeSession) NewTab(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.newTabErr != nil {
		return "", s.newTabErr
	}
	s.nextTab++
	h := fmt.Sprintf("tab-%d", s.nextTab)
	s.tabs = append(s.tabs, h)
	return h, nil
}

func (s *fakeSession) SwitchTab(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.tabs {
		if h == handle {
			s.current = handle
			return nil
		}
	}
	return browser.ErrNoSuchTab
}

func (s *fakeSession) CloseTab(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.tabs {
		if h == handle {
			s.tabs = append(s.tabs[:i], s.tabs[i+1:]...)
			s.closedTabs = append(s.closedTabs, handle)
			if s.current == handle {
				s.current = ""
			}
			return nil
		}
	}
	return browser.ErrNoSuchTab
}

func (s *fakeSession) Quit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quits++
	return nil
}

func (s *fakeSession) Quits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quits
}

// loginPage is a fake session showing the sign-in form. Clicking verify
// redirects to the workspace and sets the session cookies.
type loginPage struct {
	*fakeSession
	emailInput *fakeElement
	continueBt *fakeElement
	pinInput   *fakeElement
	verifyBt   *fakeElement
	resendBt   *fakeElement
	nameInput  *fakeElement
}

func newLoginPage(expires time.Time) *loginPage {
	sel := DefaultSelectors()
	s := newFakeSession()
	p := &loginPage{fakeSession: s}

	p.emailInput = s.add(sel.EmailInput, &fakeElement{displayed: true})
	p.continueBt = s.add(sel.ContinueButton, &fakeElement{displayed: true})
	p.pinInput = s.add(sel.PinInput, &fakeElement{displayed: true})
	p.resendBt = s.add(sel.ResendButton, &fakeElement{displayed: true})
	p.nameInput = s.add(sel.NameInputs[0], &fakeElement{displayed: true})
	p.verifyBt = s.add(sel.VerifyButton, &fakeElement{displayed: true, onClick: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.url = workspaceURL
		s.cookies = []browser.Cookie{
			{Name: "__Secure-C_SES", Value: "ses-value", Expires: expires},
			{Name: "__Host-C_OSES", Value: "oses-value"},
			{Name: "NID", Value: "other"},
		}
	}})
	return p
}

// -- Mailbox mock --

type mockMailbox struct {
	mock.Mock
}

func (m *mockMailbox) Poll(ctx context.Context, address, source string) ([]mailbox.Record, error) {
	args := m.Called(ctx, address, source)
	recs, _ := args.Get(0).([]mailbox.Record)
	return recs, args.Error(1)
}

func (m *mockMailbox) Delete(ctx context.Context, id mailbox.RecordID) error {
	return m.Called(ctx, id).Error(0)
}

func codeMail(id, code string) mailbox.Record {
	return mailbox.Record{
		ID:      mailbox.RecordID(id),
		Address: testEmail,
		Source:  testSender,
		Raw:     `<span class=3D"verification-code">` + code + `</span>`,
	}
}

// -- Session factory --

type fakeFactory struct {
	mu       sync.Mutex
	build    func(n int) browser.Session
	sessions []browser.Session
	err      error
}

func (f *fakeFactory) NewSession(ctx context.Context) (browser.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := f.build(len(f.sessions))
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// -- Options --

func testOptions() Options {
	opts := DefaultOptions()
	opts.LoginURL = testLoginURL
	opts.Verification.Sender = testSender
	return opts
}

func newTestOrchestrator(t *testing.T, factory SessionFactory, mb Mailbox, clock Clock, opts Options) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Dependencies{
		Sessions: factory,
		Mailbox:  mb,
		Clock:    clock,
		PickName: func() string { return "Mary Miller" },
	}, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("building orchestrator: %v", err)
	}
	return o
}
