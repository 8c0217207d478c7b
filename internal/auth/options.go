package auth

import (
	"time"

	"github.com/xkilldash9x/authflow/internal/browser"
	"github.com/xkilldash9x/authflow/internal/config"
)

// Selectors locates the controls of the sign-in form.
type Selectors struct {
	EmailInput     browser.Selector
	ContinueButton browser.Selector
	VerifyButton   browser.Selector
	ResendButton   browser.Selector
	PinInput       browser.Selector
	FirstPinSlot   browser.Selector
	Buttons        browser.Selector
	// VerifyLabels are matched case-insensitively against button text when the
	// verify button cannot be found by position.
	VerifyLabels []string
	// NameInputs are tried in order; the first visible match is used.
	NameInputs []browser.Selector
}

const formRoot = "/html/body/c-wiz/div/div/div[1]/div/div/div/form"

// DefaultSelectors returns the selectors of the current sign-in page layout.
func DefaultSelectors() Selectors {
	return Selectors{
		EmailInput:     browser.XPath(formRoot + "/div[1]/div[1]/div/span[2]/input"),
		ContinueButton: browser.XPath(formRoot + "/div[2]/div/button"),
		VerifyButton:   browser.XPath(formRoot + "/div[2]/div/div[1]/span/div[1]/button"),
		ResendButton:   browser.XPath(formRoot + "/div[2]/div/div[2]/span/div[1]/button"),
		PinInput:       browser.CSS("input[name='pinInput']"),
		FirstPinSlot:   browser.CSS("span[data-index='0']"),
		Buttons:        browser.TagName("button"),
		VerifyLabels:   []string{"验证", "Verify"},
		NameInputs: []browser.Selector{
			browser.CSS("input[formcontrolname='fullName']"),
			browser.CSS("input[placeholder='全名']"),
			browser.CSS("input[placeholder='Full name']"),
			browser.CSS("input#mat-input-0"),
		},
	}
}

// VerificationOptions tunes EmailVerificationStep.
type VerificationOptions struct {
	// Sender is the address the verification mail comes from.
	Sender string

	ElementTimeout      time.Duration
	ElementPollInterval time.Duration
	EmailKeyDelay       time.Duration
	CodeKeyDelay        time.Duration
	PreContinueWait     time.Duration
	PostContinueWait    time.Duration

	CodeTimeout    time.Duration
	PollInterval   time.Duration
	RetryEnabled   bool
	MaxCodeRetries int
	RetryInterval  time.Duration

	PreCodeEntryWait time.Duration
	PreSubmitWait    time.Duration
}

// NameOptions tunes the full-name entry of registration.
type NameOptions struct {
	SettleWait   time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	KeyDelay     time.Duration
}

// WorkspaceOptions tunes WorkspaceWaiter and names the workspace location.
type WorkspaceOptions struct {
	RootURL         string
	Host            string
	PathMarker      string
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxCrashRetries int
	RecoverySettle  time.Duration
}

// ExtractOptions tunes ConfigExtractor.
type ExtractOptions struct {
	MaxRetries   int
	SettleWait   time.Duration
	RefreshWait  time.Duration
	FallbackWait time.Duration
	// ExpirySkew is subtracted from the session cookie expiry.
	ExpirySkew time.Duration
}

// CrashOptions lists the crash fingerprints.
type CrashOptions struct {
	HTMLMarkers  []string
	ErrorMarkers []string
}

// Options gathers every tunable of the flow.
type Options struct {
	LoginURL    string
	LoginSettle time.Duration
	RetryDelay  time.Duration
	QuitTimeout time.Duration

	Selectors    Selectors
	Verification VerificationOptions
	Name         NameOptions
	Workspace    WorkspaceOptions
	Extract      ExtractOptions
	Crash        CrashOptions
}

// DefaultOptions returns the timings the live site is known to need.
func DefaultOptions() Options {
	return Options{
		LoginSettle: 2 * time.Second,
		RetryDelay:  2 * time.Second,
		QuitTimeout: 10 * time.Second,
		Selectors:   DefaultSelectors(),
		Verification: VerificationOptions{
			ElementTimeout:      30 * time.Second,
			ElementPollInterval: 500 * time.Millisecond,
			EmailKeyDelay:       20 * time.Millisecond,
			CodeKeyDelay:        50 * time.Millisecond,
			PreContinueWait:     500 * time.Millisecond,
			PostContinueWait:    2 * time.Second,
			CodeTimeout:         30 * time.Second,
			PollInterval:        2 * time.Second,
			MaxCodeRetries:      3,
			RetryInterval:       5 * time.Second,
			PreCodeEntryWait:    time.Second,
			PreSubmitWait:       500 * time.Millisecond,
		},
		Name: NameOptions{
			SettleWait:   2 * time.Second,
			Timeout:      30 * time.Second,
			PollInterval: time.Second,
			KeyDelay:     20 * time.Millisecond,
		},
		Workspace: WorkspaceOptions{
			RootURL:         "https://business.gemini.google/",
			Host:            "business.gemini.google",
			PathMarker:      "/cid/",
			Timeout:         30 * time.Second,
			PollInterval:    time.Second,
			MaxCrashRetries: 3,
			RecoverySettle:  3 * time.Second,
		},
		Extract: ExtractOptions{
			MaxRetries:   3,
			SettleWait:   3 * time.Second,
			RefreshWait:  3 * time.Second,
			FallbackWait: 5 * time.Second,
			ExpirySkew:   12 * time.Hour,
		},
		Crash: CrashOptions{
			HTMLMarkers:  []string{"crashed", "aw, snap"},
			ErrorMarkers: []string{"crash", "tab", "target window"},
		},
	}
}

// OptionsFromConfig overlays the configured values on DefaultOptions.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()

	opts.LoginURL = cfg.Auth.LoginURL
	setDuration(&opts.RetryDelay, cfg.Auth.RetryDelay)
	setDuration(&opts.Name.Timeout, cfg.Auth.NameTimeout)

	v := &opts.Verification
	v.Sender = cfg.Mailbox.Sender
	v.RetryEnabled = cfg.Verification.RetryEnabled
	v.MaxCodeRetries = cfg.Verification.MaxRetries
	setDuration(&v.RetryInterval, cfg.Verification.RetryInterval())
	setDuration(&v.CodeTimeout, cfg.Verification.CodeTimeout)
	setDuration(&v.PollInterval, cfg.Verification.PollInterval)
	setDuration(&v.ElementTimeout, cfg.Verification.ElementTimeout)

	w := &opts.Workspace
	if cfg.Auth.WorkspaceURL != "" {
		w.RootURL = cfg.Auth.WorkspaceURL
	}
	if cfg.Auth.WorkspaceHost != "" {
		w.Host = cfg.Auth.WorkspaceHost
	}
	if cfg.Auth.WorkspacePathMarker != "" {
		w.PathMarker = cfg.Auth.WorkspacePathMarker
	}
	setDuration(&w.Timeout, cfg.Workspace.Timeout)
	setDuration(&w.PollInterval, cfg.Workspace.PollInterval)
	setDuration(&w.RecoverySettle, cfg.Workspace.RecoverySettle)
	w.MaxCrashRetries = cfg.Workspace.MaxCrashRetries

	e := &opts.Extract
	if cfg.Extract.MaxRetries > 0 {
		e.MaxRetries = cfg.Extract.MaxRetries
	}
	setDuration(&e.SettleWait, cfg.Extract.SettleWait)
	setDuration(&e.RefreshWait, cfg.Extract.RefreshWait)
	setDuration(&e.FallbackWait, cfg.Extract.FallbackWait)
	setDuration(&e.ExpirySkew, cfg.Extract.ExpirySkew)

	if len(cfg.Crash.HTMLMarkers) > 0 {
		opts.Crash.HTMLMarkers = cfg.Crash.HTMLMarkers
	}
	if len(cfg.Crash.ErrorMarkers) > 0 {
		opts.Crash.ErrorMarkers = cfg.Crash.ErrorMarkers
	}
	return opts
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
