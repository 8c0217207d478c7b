package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/authflow/internal/browser"
)

const (
	secureSessionCookie = "__Secure-C_SES"
	hostSessionCookie   = "__Host-C_OSES"
	sessionIndexParam   = "csesidx"
	configIDSegment     = "cid"
)

// ConfigExtractor lifts the SessionConfig out of a loaded workspace page.
type ConfigExtractor struct {
	clock    Clock
	detector *CrashDetector
	opts     ExtractOptions
	rootURL  string
	logger   *zap.Logger
}

// NewConfigExtractor wires the extractor. rootURL is where it navigates when a
// crashed tab cannot even be reloaded.
func NewConfigExtractor(clock Clock, detector *CrashDetector, opts ExtractOptions, rootURL string, logger *zap.Logger) *ConfigExtractor {
	return &ConfigExtractor{clock: clock, detector: detector, opts: opts, rootURL: rootURL, logger: logger.Named("extractor")}
}

// ExtractOnce reads cookies and the URL a single time. All four identifying
// fields must be present or ErrIncompleteConfig is returned.
func (e *ConfigExtractor) ExtractOnce(ctx context.Context, s browser.Session) (*SessionConfig, error) {
	if err := e.clock.Sleep(ctx, e.opts.SettleWait); err != nil {
		return nil, err
	}

	cookies, err := s.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.CurrentURL(ctx)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(current)
	if err != nil {
		return nil, fmt.Errorf("parsing workspace URL: %w", err)
	}

	var ses, host *browser.Cookie
	for i := range cookies {
		switch cookies[i].Name {
		case secureSessionCookie:
			ses = &cookies[i]
		case hostSessionCookie:
			host = &cookies[i]
		}
	}

	cfg := &SessionConfig{
		SessionIndex: u.Query().Get(sessionIndexParam),
		ConfigID:     segmentAfter(u.Path, configIDSegment),
	}
	if ses != nil {
		cfg.SecureSessionCookie = ses.Value
	}
	if host != nil {
		cfg.HostSessionCookie = host.Value
	}

	var missing []string
	if cfg.SecureSessionCookie == "" {
		missing = append(missing, secureSessionCookie)
	}
	if cfg.HostSessionCookie == "" {
		missing = append(missing, hostSessionCookie)
	}
	if cfg.SessionIndex == "" {
		missing = append(missing, sessionIndexParam)
	}
	if cfg.ConfigID == "" {
		missing = append(missing, "config id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrIncompleteConfig, strings.Join(missing, ", "))
	}

	if !ses.Expires.IsZero() {
		expires := ses.Expires.Add(-e.opts.ExpirySkew)
		cfg.ExpiresAt = &expires
	}
	return cfg, nil
}

// segmentAfter returns the path segment following name, or "".
func segmentAfter(path, name string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == name && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// ExtractWithRetry runs ExtractOnce up to MaxRetries times, reloading the page
// between tries. The workspace page is prone to renderer crashes right after
// the redirect.
func (e *ConfigExtractor) ExtractWithRetry(ctx context.Context, s browser.Session) (*SessionConfig, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		logger := e.logger.With(zap.Int("try", attempt), zap.Int("max_tries", e.opts.MaxRetries))

		sig, crashed := e.detector.Check(ctx, s)
		switch {
		case crashed:
			logger.Warn("Workspace page crashed, reloading", zap.NamedError("signal", sig.Err))
			if err := e.reloadCrashed(ctx, s, logger); err != nil {
				return nil, err
			}
			continue
		case sig.Err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = sig.Err
		default:
			cfg, err := e.ExtractOnce(ctx, s)
			if err == nil {
				logger.Info("Session config extracted", zap.String("config_id", cfg.ConfigID))
				return cfg, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if e.detector.IsCrashError(err) {
				logger.Warn("Workspace page crashed during extraction, reloading", zap.Error(err))
				if err := e.reloadCrashed(ctx, s, logger); err != nil {
					return nil, err
				}
				continue
			}
		}

		logger.Warn("Config extraction failed, reloading", zap.Error(lastErr))
		if err := e.reload(ctx, s, logger); err != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("config extraction failed after retries")
	}
	return nil, lastErr
}

// reload refreshes the page; only cancellation is reported.
func (e *ConfigExtractor) reload(ctx context.Context, s browser.Session, logger *zap.Logger) error {
	if err := s.Refresh(ctx); err != nil {
		logger.Debug("Reload failed", zap.Error(err))
	}
	return e.clock.Sleep(ctx, e.opts.RefreshWait)
}

// reloadCrashed refreshes a crashed page, falling back to a fresh navigation
// to the workspace root when the refresh itself fails.
func (e *ConfigExtractor) reloadCrashed(ctx context.Context, s browser.Session, logger *zap.Logger) error {
	err := s.Refresh(ctx)
	if err == nil {
		return e.clock.Sleep(ctx, e.opts.RefreshWait)
	}
	logger.Warn("Reload of crashed page failed, navigating to workspace root", zap.Error(err))
	if err := s.Navigate(ctx, e.rootURL); err != nil {
		logger.Debug("Navigation to workspace root failed", zap.Error(err))
	}
	return e.clock.Sleep(ctx, e.opts.FallbackWait)
}
