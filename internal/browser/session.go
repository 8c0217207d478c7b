// Package browser defines the narrow browser-session capability the
// authentication flow depends on, plus a chromedp-backed implementation.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrElementNotFound is returned when a selector matches nothing.
	ErrElementNotFound = errors.New("element not found")
	// ErrTargetCrashed is returned by every operation on a tab whose renderer crashed.
	ErrTargetCrashed = errors.New("tab crashed")
	// ErrNoSuchTab is returned for an unknown tab handle.
	ErrNoSuchTab = errors.New("no such tab")
	// ErrNoActiveTab is returned when the active tab was closed and no other was selected.
	ErrNoActiveTab = errors.New("no active tab")
	// ErrSessionClosed is returned once Quit has been called.
	ErrSessionClosed = errors.New("browser session closed")
)

// By selects the query strategy of a Selector.
type By int

const (
	ByXPath By = iota
	ByCSS
	ByTagName
)

func (b By) String() string {
	switch b {
	case ByXPath:
		return "xpath"
	case ByCSS:
		return "css"
	case ByTagName:
		return "tag"
	default:
		return fmt.Sprintf("By(%d)", int(b))
	}
}

// Selector locates elements in the current document.
type Selector struct {
	By    By
	Value string
}

func XPath(expr string) Selector  { return Selector{By: ByXPath, Value: expr} }
func CSS(query string) Selector   { return Selector{By: ByCSS, Value: query} }
func TagName(tag string) Selector { return Selector{By: ByTagName, Value: tag} }

func (s Selector) String() string { return s.By.String() + "=" + s.Value }

// ClickMode chooses between a synthesized pointer click and a script-dispatched one.
// Script clicks work on elements that are covered or off-screen.
type ClickMode int

const (
	ClickNative ClickMode = iota
	ClickScript
)

// Cookie is a browser cookie. Expires is zero for session cookies.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
}

// Element is a handle to a node in the page. Handles go stale on navigation.
type Element interface {
	Click(ctx context.Context, mode ClickMode) error
	Clear(ctx context.Context) error
	// Type sends text one character at a time, pausing perChar between characters.
	Type(ctx context.Context, text string, perChar time.Duration) error
	SendKeys(ctx context.Context, text string) error
	PressEnter(ctx context.Context) error
	Text(ctx context.Context) (string, error)
	Displayed(ctx context.Context) (bool, error)
}

// Session is one isolated browser instance with one or more tabs. Operations
// act on the active tab. A Session is owned by a single goroutine.
type Session interface {
	ID() string

	Navigate(ctx context.Context, url string) error
	Refresh(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)

	FindElement(ctx context.Context, sel Selector) (Element, error)
	FindElements(ctx context.Context, sel Selector) ([]Element, error)
	ActiveElement(ctx context.Context) (Element, error)

	TabHandles(ctx context.Context) ([]string, error)
	NewTab(ctx context.Context) (string, error)
	SwitchTab(ctx context.Context, handle string) error
	CloseTab(ctx context.Context, handle string) error

	// Quit releases the browser. It is safe to call more than once.
	Quit(ctx context.Context) error
}
