package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

const (
	// FileName is the per-repository configuration file read from the working tree root.
	FileName = ".gitbakd.yaml"

	// EnvPrefix is prepended to every environment variable name.
	EnvPrefix = "GITBAKD_"

	// DefaultDebounceMS is the quiet period after the last file event before a batch is flushed.
	DefaultDebounceMS = 3000

	// DefaultRateLimit is the number of commits (and, separately, pushes) allowed per window.
	DefaultRateLimit = 10

	// DefaultRateWindow is the sliding window the rate limit applies to.
	DefaultRateWindow = 60 * time.Second

	// DefaultMaxAuthFailures is the number of consecutive authentication
	// failures after which the stored credential is marked invalid.
	DefaultMaxAuthFailures = 3

	// DefaultValidationInterval is the period of the credential self-validation loop.
	DefaultValidationInterval = 30 * time.Minute

	// DefaultRemote is the remote pushes go to.
	DefaultRemote = "origin"

	// DefaultPushTimeout bounds a single push invocation.
	DefaultPushTimeout = 60 * time.Second

	// DefaultProbeTimeout bounds a single connectivity probe.
	DefaultProbeTimeout = 15 * time.Second

	// DefaultPreflightTimeout bounds each pre-flight check.
	DefaultPreflightTimeout = 2 * time.Minute

	// DefaultHistorySize is the number of notifications kept in memory.
	DefaultHistorySize = 100

	// DefaultMaxRetries is the number of consecutive identical commit-cycle
	// errors tolerated before a critical notification is raised. 0 disables it.
	DefaultMaxRetries = 3
)

// Config holds all gitbakd settings.
// Values are layered: defaults, then the YAML file, then GITBAKD_* environment
// variables, then command-line flags.
type Config struct {
	// RepoPath is the working tree to watch. Defaults to the current directory.
	RepoPath string `yaml:"-"`

	// Change detection

	DebounceMS     int      `yaml:"debounce_ms"`
	IgnorePatterns []string `yaml:"ignore_patterns"`
	UrgentPatterns []string `yaml:"urgent_patterns"`

	// MinChanges enables the threshold strategy when greater than zero.
	MinChanges int `yaml:"min_changes"`

	// Commit safety

	RateLimit         int             `yaml:"rate_limit"`
	RateWindow        time.Duration   `yaml:"rate_window"`
	ProtectedBranches []string        `yaml:"protected_branches"`
	ForceProtected    bool            `yaml:"force_protected"`
	SkipHooks         bool            `yaml:"skip_hooks"`
	Preflight         PreflightConfig `yaml:"preflight"`

	// MaxRetries is how many consecutive identical cycle errors are tolerated
	// before a critical notification. The agent keeps running either way.
	MaxRetries int `yaml:"max_retries"`

	// Push and credentials

	AutoPush           bool          `yaml:"auto_push"`
	Remote             string        `yaml:"remote"`
	PushTimeout        time.Duration `yaml:"push_timeout"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	MaxAuthFailures    int           `yaml:"max_auth_failures"`
	ValidationInterval time.Duration `yaml:"validation_interval"`
	CredentialDir      string        `yaml:"credential_dir"`

	// Outputs

	Notifications NotificationsConfig `yaml:"notifications"`
	HistoryDB     string              `yaml:"history_db"`

	// Dashboard is accepted for compatibility with external dashboards
	// subscribing to the control API. No dashboard is built in.
	Dashboard bool   `yaml:"dashboard"`
	Tracing   string `yaml:"tracing"`

	// Logging

	Debug     bool   `yaml:"debug"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
	Verbose   bool   `yaml:"verbose"`

	// DataDir is the root for logs, history and credentials.
	// Defaults to $XDG_DATA_HOME/gitbakd.
	DataDir string `yaml:"data_dir"`

	// VersionInfo contains version, commit, and build date information.
	VersionInfo VersionInfo `yaml:"-"`
}

// PreflightConfig controls the best-effort checks run before each commit.
type PreflightConfig struct {
	Enabled bool `yaml:"enabled"`

	// Checks are command lines split on whitespace into argument vectors.
	// When empty, checks are detected from the project layout.
	Checks  []string      `yaml:"checks"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotificationsConfig controls the notification bus sinks.
type NotificationsConfig struct {
	HistorySize int             `yaml:"history_size"`
	LogFile     string          `yaml:"log_file"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound webhook.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// VersionInfo contains build-time version metadata.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// New creates a new Config with default values
func New() *Config {
	return &Config{
		DebounceMS:         DefaultDebounceMS,
		RateLimit:          DefaultRateLimit,
		RateWindow:         DefaultRateWindow,
		MaxAuthFailures:    DefaultMaxAuthFailures,
		ValidationInterval: DefaultValidationInterval,
		AutoPush:           true,
		Remote:             DefaultRemote,
		PushTimeout:        DefaultPushTimeout,
		ProbeTimeout:       DefaultProbeTimeout,
		MaxRetries:         DefaultMaxRetries,
		Preflight: PreflightConfig{
			Timeout: DefaultPreflightTimeout,
		},
		Notifications: NotificationsConfig{
			HistorySize: DefaultHistorySize,
		},
		Tracing:   "none",
		LogFormat: "text",
		Verbose:   true,

		VersionInfo: VersionInfo{
			Version: "dev",
			Commit:  "unknown",
			Date:    "unknown",
		},
	}
}

// LoadFile merges a YAML configuration file over the current values.
// A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return gitbakdErrors.NewConfigError("config", path, gitbakdErrors.Wrap(err, "read config"))
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return gitbakdErrors.NewConfigError("config", path,
			gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, err.Error()))
	}
	return nil
}

// LoadFromEnvironment updates config from GITBAKD_* environment variables
func (c *Config) LoadFromEnvironment() {
	c.RepoPath = getEnvString("REPO_PATH", c.RepoPath)
	c.DebounceMS = getEnvInt("DEBOUNCE_MS", c.DebounceMS)
	c.IgnorePatterns = getEnvList("IGNORE_PATTERNS", c.IgnorePatterns)
	c.UrgentPatterns = getEnvList("URGENT_PATTERNS", c.UrgentPatterns)
	c.MinChanges = getEnvInt("MIN_CHANGES", c.MinChanges)
	c.RateLimit = getEnvInt("RATE_LIMIT", c.RateLimit)
	c.RateWindow = getEnvDuration("RATE_WINDOW", c.RateWindow)
	c.ProtectedBranches = getEnvList("PROTECTED_BRANCHES", c.ProtectedBranches)
	c.ForceProtected = getEnvBool("FORCE_PROTECTED", c.ForceProtected)
	c.SkipHooks = getEnvBool("SKIP_HOOKS", c.SkipHooks)
	c.MaxRetries = getEnvInt("MAX_RETRIES", c.MaxRetries)
	c.Preflight.Enabled = getEnvBool("PREFLIGHT", c.Preflight.Enabled)
	c.Preflight.Timeout = getEnvDuration("PREFLIGHT_TIMEOUT", c.Preflight.Timeout)
	c.AutoPush = getEnvBool("AUTO_PUSH", c.AutoPush)
	c.Remote = getEnvString("REMOTE", c.Remote)
	c.PushTimeout = getEnvDuration("PUSH_TIMEOUT", c.PushTimeout)
	c.ProbeTimeout = getEnvDuration("PROBE_TIMEOUT", c.ProbeTimeout)
	c.MaxAuthFailures = getEnvInt("MAX_AUTH_FAILURES", c.MaxAuthFailures)
	c.ValidationInterval = getEnvDuration("VALIDATION_INTERVAL", c.ValidationInterval)
	c.CredentialDir = getEnvString("CREDENTIAL_DIR", c.CredentialDir)
	c.Notifications.HistorySize = getEnvInt("NOTIFICATION_HISTORY", c.Notifications.HistorySize)
	c.Notifications.LogFile = getEnvString("NOTIFICATION_LOG", c.Notifications.LogFile)
	c.HistoryDB = getEnvString("HISTORY_DB", c.HistoryDB)
	c.Dashboard = getEnvBool("DASHBOARD", c.Dashboard)
	c.Tracing = getEnvString("TRACING", c.Tracing)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LogFile = getEnvString("LOG_FILE", c.LogFile)
	c.LogFormat = getEnvString("LOG_FORMAT", c.LogFormat)
	c.Verbose = getEnvBool("VERBOSE", c.Verbose)
	c.DataDir = getEnvString("DATA_DIR", c.DataDir)
}

// SetupFlags registers the command-line flags that override config values.
// Flags are applied with ApplyFlags after parsing so that only flags the
// user actually set take precedence over the file and the environment.
func (c *Config) SetupFlags(fs *pflag.FlagSet) {
	d := New()

	fs.String("repo", "", "Path to repository (default: current directory)")
	fs.String("config", "", "Path to config file (default: <repo>/"+FileName+")")
	fs.Int("debounce-ms", d.DebounceMS, "Quiet period in milliseconds before changes are committed")
	fs.StringSlice("ignore", nil, "Additional ignore globs")
	fs.StringSlice("urgent", nil, "Globs that trigger an immediate commit")
	fs.Int("min-changes", d.MinChanges, "Only commit batches with at least this many files (0 = any)")
	fs.Int("rate-limit", d.RateLimit, "Maximum commits per rate window")
	fs.Duration("rate-window", d.RateWindow, "Sliding rate limit window")
	fs.StringSlice("protected-branches", nil, "Additional protected branches")
	fs.Bool("force-protected", d.ForceProtected, "Allow commits and pushes to protected branches")
	fs.Bool("skip-hooks", d.SkipHooks, "Pass --no-verify to git commit")
	fs.Bool("preflight", d.Preflight.Enabled, "Run best-effort pre-flight checks before each commit")
	fs.Int("max-retries", d.MaxRetries, "Consecutive identical errors before a critical notification (0 = never)")
	fs.Bool("auto-push", d.AutoPush, "Push after every successful commit")
	fs.String("remote", d.Remote, "Remote to push to")
	fs.Int("max-auth-failures", d.MaxAuthFailures, "Authentication failures before the credential is invalidated")
	fs.Duration("validation-interval", d.ValidationInterval, "Credential self-validation period")
	fs.String("credential-dir", "", "Credential storage directory (default: ~/.local/share/gitbakd/credentials)")
	fs.String("history-db", "", "SQLite history database (default: ~/.local/share/gitbakd/history/{repo-hash}.db, \"memory\" to disable)")
	fs.Bool("dashboard", d.Dashboard, "Keep the control API open for an external dashboard")
	fs.String("tracing", d.Tracing, "Tracing exporter: none or stdout")
	fs.Bool("debug", d.Debug, "Enable debug logging")
	fs.String("log-file", "", "Path to log file (default: ~/.local/share/gitbakd/logs/gitbakd-{repo-hash}.log)")
	fs.String("log-format", d.LogFormat, "Log file format: text or json")
	fs.Bool("quiet", !d.Verbose, "Hide informational messages")
}

// ApplyFlags copies every flag the user set on fs into the config.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var applyErr error
	fs.Visit(func(f *pflag.Flag) {
		if applyErr != nil {
			return
		}
		if err := c.applyFlag(fs, f.Name); err != nil {
			applyErr = gitbakdErrors.NewConfigError(f.Name, f.Value.String(),
				gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidFlag, err.Error()))
		}
	})
	return applyErr
}

func (c *Config) applyFlag(fs *pflag.FlagSet, name string) error {
	var err error
	switch name {
	case "repo":
		c.RepoPath, err = fs.GetString(name)
	case "debounce-ms":
		c.DebounceMS, err = fs.GetInt(name)
	case "ignore":
		var extra []string
		extra, err = fs.GetStringSlice(name)
		c.IgnorePatterns = append(c.IgnorePatterns, extra...)
	case "urgent":
		var extra []string
		extra, err = fs.GetStringSlice(name)
		c.UrgentPatterns = append(c.UrgentPatterns, extra...)
	case "min-changes":
		c.MinChanges, err = fs.GetInt(name)
	case "rate-limit":
		c.RateLimit, err = fs.GetInt(name)
	case "rate-window":
		c.RateWindow, err = fs.GetDuration(name)
	case "protected-branches":
		var extra []string
		extra, err = fs.GetStringSlice(name)
		c.ProtectedBranches = append(c.ProtectedBranches, extra...)
	case "force-protected":
		c.ForceProtected, err = fs.GetBool(name)
	case "skip-hooks":
		c.SkipHooks, err = fs.GetBool(name)
	case "preflight":
		c.Preflight.Enabled, err = fs.GetBool(name)
	case "max-retries":
		c.MaxRetries, err = fs.GetInt(name)
	case "auto-push":
		c.AutoPush, err = fs.GetBool(name)
	case "remote":
		c.Remote, err = fs.GetString(name)
	case "max-auth-failures":
		c.MaxAuthFailures, err = fs.GetInt(name)
	case "validation-interval":
		c.ValidationInterval, err = fs.GetDuration(name)
	case "credential-dir":
		c.CredentialDir, err = fs.GetString(name)
	case "history-db":
		c.HistoryDB, err = fs.GetString(name)
	case "dashboard":
		c.Dashboard, err = fs.GetBool(name)
	case "tracing":
		c.Tracing, err = fs.GetString(name)
	case "debug":
		c.Debug, err = fs.GetBool(name)
	case "log-file":
		c.LogFile, err = fs.GetString(name)
	case "log-format":
		c.LogFormat, err = fs.GetString(name)
	case "quiet":
		var quiet bool
		quiet, err = fs.GetBool(name)
		c.Verbose = !quiet
	}
	return err
}

// Load builds a config from every source in precedence order.
// fs may be nil when no flags were parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	c := New()

	// The repository decides where the config file lives, so resolve it first.
	c.RepoPath = getEnvString("REPO_PATH", "")
	configPath := ""
	if fs != nil {
		if f := fs.Lookup("repo"); f != nil && f.Changed {
			c.RepoPath = f.Value.String()
		}
		if f := fs.Lookup("config"); f != nil && f.Changed {
			configPath = f.Value.String()
		}
	}
	if c.RepoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, gitbakdErrors.NewConfigError("repo", "", gitbakdErrors.Wrap(err, "failed to get current directory"))
		}
		c.RepoPath = wd
	}
	if configPath == "" {
		configPath = filepath.Join(c.RepoPath, FileName)
	}

	if err := c.LoadFile(configPath); err != nil {
		return nil, err
	}
	c.LoadFromEnvironment()
	if fs != nil {
		if err := c.ApplyFlags(fs); err != nil {
			return nil, err
		}
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// Finalize validates and finalizes the configuration
func (c *Config) Finalize() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.RepoPath == "" {
		var err error
		c.RepoPath, err = os.Getwd()
		if err != nil {
			return gitbakdErrors.NewConfigError("repo", "", gitbakdErrors.Wrap(err, "failed to get current directory"))
		}
	}

	absRepoPath, err := filepath.Abs(c.RepoPath)
	if err != nil {
		return gitbakdErrors.NewConfigError("repo", c.RepoPath, gitbakdErrors.Wrap(err, "failed to resolve absolute path"))
	}
	c.RepoPath = absRepoPath

	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}

	hash := c.RepoHash()
	if c.CredentialDir == "" {
		c.CredentialDir = filepath.Join(c.DataDir, "credentials")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.DataDir, "logs", fmt.Sprintf("gitbakd-%s.log", hash))
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.DataDir, "history", hash+".db")
	}
	if c.Notifications.LogFile == "" {
		c.Notifications.LogFile = filepath.Join(c.DataDir, "notifications", hash+".jsonl")
	}

	return nil
}

// Validate checks value ranges without touching the filesystem.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int64
	}{
		{"debounce_ms", int64(c.DebounceMS)},
		{"rate_limit", int64(c.RateLimit)},
		{"rate_window", int64(c.RateWindow)},
		{"max_auth_failures", int64(c.MaxAuthFailures)},
		{"validation_interval", int64(c.ValidationInterval)},
		{"push_timeout", int64(c.PushTimeout)},
		{"probe_timeout", int64(c.ProbeTimeout)},
		{"notifications.history_size", int64(c.Notifications.HistorySize)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return gitbakdErrors.NewConfigError(p.name, p.value,
				gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, "must be greater than 0"))
		}
	}

	if c.MinChanges < 0 {
		return gitbakdErrors.NewConfigError("min_changes", c.MinChanges,
			gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, "must not be negative"))
	}
	if c.MaxRetries < 0 {
		return gitbakdErrors.NewConfigError("max_retries", c.MaxRetries,
			gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, "must not be negative"))
	}
	if c.Preflight.Enabled && c.Preflight.Timeout <= 0 {
		return gitbakdErrors.NewConfigError("preflight.timeout", c.Preflight.Timeout,
			gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, "must be greater than 0"))
	}
	if strings.TrimSpace(c.Remote) == "" {
		return gitbakdErrors.NewConfigError("remote", nil,
			gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, "must not be empty"))
	}

	switch c.Tracing {
	case "", "none", "stdout":
	default:
		return gitbakdErrors.NewConfigError("tracing", c.Tracing,
			gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, "must be none or stdout"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return gitbakdErrors.NewConfigError("log_format", c.LogFormat,
			gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, "must be text or json"))
	}

	for i, w := range c.Notifications.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return gitbakdErrors.NewConfigError(fmt.Sprintf("notifications.webhooks[%d].url", i), w.URL,
				gitbakdErrors.Wrap(gitbakdErrors.ErrInvalidConfiguration, "must be an http(s) URL"))
		}
	}
	return nil
}

// Debounce returns the debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// RepoHash is a short stable identifier for the working tree, used to name
// per-repository files.
func (c *Config) RepoHash() string {
	return fmt.Sprintf("%x", sha256OfString(c.RepoPath)[:8])
}

// SocketPath is the control socket of the agent watching RepoPath.
func (c *Config) SocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("gitbakd-%s.sock", c.RepoHash()))
}

// PreflightCommands returns the configured checks as argument vectors.
func (c *Config) PreflightCommands() [][]string {
	var cmds [][]string
	for _, line := range c.Preflight.Checks {
		if argv := strings.Fields(line); len(argv) > 0 {
			cmds = append(cmds, argv)
		}
	}
	return cmds
}

// defaultDataDir follows the XDG Base Directory Specification
func defaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			dataHome = filepath.Join(homeDir, ".local", "share")
		} else {
			dataHome = os.TempDir()
		}
	}
	return filepath.Join(dataHome, "gitbakd")
}

// getEnvString returns an environment variable string or a default value
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(EnvPrefix + key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an environment variable as int or a default value
func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(EnvPrefix + key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain integers as seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(EnvPrefix + key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
		if secs, err := strconv.Atoi(valueStr); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvBool returns an environment variable as bool or a default value
func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(EnvPrefix + key); exists {
		valueLower := strings.ToLower(valueStr)
		if valueLower == "true" || valueLower == "1" || valueLower == "yes" {
			return true
		}
		if valueLower == "false" || valueLower == "0" || valueLower == "no" {
			return false
		}
		// For any other value, fall back to default
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable
func getEnvList(key string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(EnvPrefix + key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sha256OfString returns the SHA256 hash of a string
func sha256OfString(input string) []byte {
	hash := sha256.Sum256([]byte(input))
	return hash[:]
}
