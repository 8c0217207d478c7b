// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. A single value is built at
// startup and handed to constructors explicitly; nothing reads it globally.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Mailbox      MailboxConfig      `mapstructure:"mailbox" yaml:"mailbox"`
	Auth         AuthConfig         `mapstructure:"auth" yaml:"auth"`
	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace" yaml:"workspace"`
	Extract      ExtractConfig      `mapstructure:"extract" yaml:"extract"`
	Crash        CrashConfig        `mapstructure:"crash" yaml:"crash"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// MailboxConfig describes the admin API of the catch-all mail service.
type MailboxConfig struct {
	APIBase            string        `mapstructure:"api_base" yaml:"api_base"`
	AdminKey           string        `mapstructure:"admin_key" yaml:"admin_key"`
	Sender             string        `mapstructure:"sender" yaml:"sender"`
	EmailDomains       []string      `mapstructure:"email_domains" yaml:"email_domains"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	PageSize           int           `mapstructure:"page_size" yaml:"page_size"`
	// RateLimit is the number of admin API requests per second shared by all
	// orchestrators using the same client. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// AuthConfig configures the outer attempt loop and the target site.
type AuthConfig struct {
	LoginURL            string        `mapstructure:"login_url" yaml:"login_url"`
	WorkspaceURL        string        `mapstructure:"workspace_url" yaml:"workspace_url"`
	WorkspaceHost       string        `mapstructure:"workspace_host" yaml:"workspace_host"`
	WorkspacePathMarker string        `mapstructure:"workspace_path_marker" yaml:"workspace_path_marker"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	NameTimeout         time.Duration `mapstructure:"name_timeout" yaml:"name_timeout"`
}

// VerificationConfig tunes the email code exchange.
type VerificationConfig struct {
	RetryEnabled         bool          `mapstructure:"retry_enabled" yaml:"retry_enabled"`
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryIntervalSeconds int           `mapstructure:"retry_interval_seconds" yaml:"retry_interval_seconds"`
	CodeTimeout          time.Duration `mapstructure:"code_timeout" yaml:"code_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ElementTimeout       time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
}

// RetryInterval returns the resend wait as a duration.
func (v VerificationConfig) RetryInterval() time.Duration {
	return time.Duration(v.RetryIntervalSeconds) * time.Second
}

// WorkspaceConfig tunes the post-verification redirect wait.
type WorkspaceConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxCrashRetries int           `mapstructure:"max_crash_retries" yaml:"max_crash_retries"`
	RecoverySettle  time.Duration `mapstructure:"recovery_settle" yaml:"recovery_settle"`
}

// ExtractConfig tunes session config extraction.
type ExtractConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	SettleWait   time.Duration `mapstructure:"settle_wait" yaml:"settle_wait"`
	RefreshWait  time.Duration `mapstructure:"refresh_wait" yaml:"refresh_wait"`
	FallbackWait time.Duration `mapstructure:"fallback_wait" yaml:"fallback_wait"`
	ExpirySkew   time.Duration `mapstructure:"expiry_skew" yaml:"expiry_skew"`
}

// CrashConfig lists the fingerprints that identify a crashed tab.
type CrashConfig struct {
	HTMLMarkers  []string `mapstructure:"html_markers" yaml:"html_markers"`
	ErrorMarkers []string `mapstructure:"error_markers" yaml:"error_markers"`
}

// BrowserConfig controls how browser sessions are launched or attached.
type BrowserConfig struct {
	// RemoteURL, when set, is a DevTools websocket endpoint to attach to instead
	// of launching a local browser.
	RemoteURL        string        `mapstructure:"remote_url" yaml:"remote_url"`
	Headless         bool          `mapstructure:"headless" yaml:"headless"`
	ChromePath       string        `mapstructure:"chrome_path" yaml:"chrome_path"`
	Args             []string      `mapstructure:"args" yaml:"args"`
	WindowWidth      int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight     int           `mapstructure:"window_height" yaml:"window_height"`
	LaunchTimeout    time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// NewDefaultConfig creates a new configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "authflow")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Mailbox --
	v.SetDefault("mailbox.api_base", "")
	v.SetDefault("mailbox.admin_key", "")
	v.SetDefault("mailbox.sender", "")
	v.SetDefault("mailbox.email_domains", []string{})
	v.SetDefault("mailbox.request_timeout", "10s")
	v.SetDefault("mailbox.insecure_skip_verify", true)
	v.SetDefault("mailbox.page_size", 20)
	v.SetDefault("mailbox.rate_limit", 2.0)

	// -- Auth --
	v.SetDefault("auth.login_url", "")
	v.SetDefault("auth.workspace_url", "https://business.gemini.google/")
	v.SetDefault("auth.workspace_host", "business.gemini.google")
	v.SetDefault("auth.workspace_path_marker", "/cid/")
	v.SetDefault("auth.max_retries", 3)
	v.SetDefault("auth.retry_delay", "2s")
	v.SetDefault("auth.name_timeout", "30s")

	// -- Verification --
	v.SetDefault("verification.retry_enabled", false)
	v.SetDefault("verification.max_retries", 3)
	v.SetDefault("verification.retry_interval_seconds", 5)
	v.SetDefault("verification.code_timeout", "30s")
	v.SetDefault("verification.poll_interval", "2s")
	v.SetDefault("verification.element_timeout", "30s")

	// -- Workspace --
	v.SetDefault("workspace.timeout", "30s")
	v.SetDefault("workspace.poll_interval", "1s")
	v.SetDefault("workspace.max_crash_retries", 3)
	v.SetDefault("workspace.recovery_settle", "3s")

	// -- Extract --
	v.SetDefault("extract.max_retries", 3)
	v.SetDefault("extract.settle_wait", "3s")
	v.SetDefault("extract.refresh_wait", "3s")
	v.SetDefault("extract.fallback_wait", "5s")
	v.SetDefault("extract.expiry_skew", "12h")

	// -- Crash --
	v.SetDefault("crash.html_markers", []string{"crashed", "aw, snap"})
	v.SetDefault("crash.error_markers", []string{"crash", "tab", "target window"})

	// -- Browser --
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.operation_timeout", "15s")
}

// NewConfigFromViper unmarshals a viper instance into a validated Config.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("mailbox.admin_key", "AUTHFLOW_MAILBOX_ADMIN_KEY")
	_ = v.BindEnv("browser.chrome_path", "AUTHFLOW_CHROME_BIN", "CHROME_BIN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Mailbox.Validate(); err != nil {
		return fmt.Errorf("mailbox configuration invalid: %w", err)
	}
	if c.Auth.LoginURL == "" {
		return fmt.Errorf("auth.login_url is a required configuration field")
	}
	if _, err := url.ParseRequestURI(c.Auth.LoginURL); err != nil {
		return fmt.Errorf("auth.login_url is not a valid URL: %w", err)
	}
	if c.Auth.WorkspaceURL == "" {
		return fmt.Errorf("auth.workspace_url is a required configuration field")
	}
	if c.Auth.MaxRetries <= 0 {
		return fmt.Errorf("auth.max_retries must be a positive integer")
	}
	if c.Verification.MaxRetries < 0 {
		return fmt.Errorf("verification.max_retries must not be negative")
	}
	if c.Verification.PollInterval <= 0 || c.Verification.CodeTimeout <= 0 {
		return fmt.Errorf("verification.poll_interval and verification.code_timeout must be positive")
	}
	if c.Workspace.PollInterval <= 0 || c.Workspace.Timeout <= 0 {
		return fmt.Errorf("workspace.poll_interval and workspace.timeout must be positive")
	}
	if c.Workspace.MaxCrashRetries < 0 {
		return fmt.Errorf("workspace.max_crash_retries must not be negative")
	}
	if c.Extract.MaxRetries <= 0 {
		return fmt.Errorf("extract.max_retries must be a positive integer")
	}
	return nil
}

// Validate checks the mailbox section. Email domains are only needed for
// registration and are checked when addresses are provisioned.
func (m *MailboxConfig) Validate() error {
	var missing []string
	if m.APIBase == "" {
		missing = append(missing, "mailbox.api_base")
	}
	if m.AdminKey == "" {
		missing = append(missing, "mailbox.admin_key")
	}
	if m.Sender == "" {
		missing = append(missing, "mailbox.sender")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if m.PageSize <= 0 {
		return fmt.Errorf("mailbox.page_size must be a positive integer")
	}
	return nil
}
