// File: internal/browser/launcher.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/config"
)

// Launcher hands out fresh, isolated browser sessions. Each session gets its
// own allocator, so nothing leaks between authentication attempts.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewLauncher creates a launcher from the browser configuration.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg, logger: logger.Named("browser")}
}

// NewSession starts (or attaches to) a browser and returns a session with a
// single blank tab.
func (l *Launcher) NewSession(ctx context.Context) (Session, error) {
	id := uuid.NewString()
	logger := l.logger.With(zap.String("session_id", id))

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if l.cfg.RemoteURL != "" {
		logger.Debug("Attaching to remote browser", zap.String("url", l.cfg.RemoteURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, l.cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, l.allocatorOptions()...)
	}

	sugar := logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	// The first Run starts the browser and binds its lifetime to browserCtx, so
	// it is bounded from outside instead of through a deadline.
	if err := runBounded(ctx, l.cfg.LaunchTimeout, func() error { return chromedp.Run(browserCtx) }); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	s := newCDPSession(id, browserCtx, browserCancel, allocCancel, l.cfg.OperationTimeout, logger)
	if err := s.Navigate(ctx, "about:blank"); err != nil {
		_ = s.Quit(Detach(ctx))
		return nil, fmt.Errorf("browser failed to respond: %w", err)
	}

	logger.Info("Browser session started")
	return s, nil
}

type launchFlag struct {
	name  string
	value interface{}
}

// launchFlags lists the command-line switches for a locally launched browser.
func launchFlags(cfg config.BrowserConfig, goos string) []launchFlag {
	width, height := cfg.WindowWidth, cfg.WindowHeight
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}

	flags := []launchFlag{
		{"enable-automation", false},
		{"headless", cfg.Headless},
		{"disable-gpu", true},
		{"disable-software-rasterizer", true},
		{"disable-extensions", true},
		{"disable-background-networking", true},
		{"disable-default-apps", true},
		{"disable-sync", true},
		{"disable-blink-features", "AutomationControlled"},
		{"js-flags", "--max-old-space-size=512"},
		{"window-size", fmt.Sprintf("%d,%d", width, height)},
	}

	// Container-friendly switches.
	if goos == "linux" {
		flags = append(flags,
			launchFlag{"no-sandbox", true},
			launchFlag{"disable-dev-shm-usage", true},
			launchFlag{"disable-setuid-sandbox", true},
		)
	}

	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(strings.TrimSpace(arg), "--"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags = append(flags, launchFlag{name, value})
		} else {
			flags = append(flags, launchFlag{name, true})
		}
	}
	return flags
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range launchFlags(l.cfg, runtime.GOOS) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if l.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ChromePath))
	}
	return opts
}
