package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Instance Log Tailing
	LogDir           string        `koanf:"log_dir"`
	LogFilePattern   string        `koanf:"log_file_pattern"`
	TailPollInterval time.Duration `koanf:"tail_poll_interval"`

	// Rule Dataset
	DatasetPath            string        `koanf:"dataset_path"`
	DatasetURL             string        `koanf:"dataset_url"`
	DatasetRefreshInterval time.Duration `koanf:"dataset_refresh_interval"`
	DatasetDownloadTimeout time.Duration `koanf:"dataset_download_timeout"`
	DatasetRefreshOnStart  bool          `koanf:"dataset_refresh_on_start"`

	// Upstream Identity Service
	UpstreamURL         string        `koanf:"upstream_url"`
	UpstreamAuthCookie  string        `koanf:"upstream_auth_cookie"`
	UpstreamAPIKey      string        `koanf:"upstream_api_key"`
	UpstreamVerifyTLS   bool          `koanf:"upstream_verify_tls"`
	UpstreamHTTPTimeout time.Duration `koanf:"upstream_http_timeout"`

	// Session Management
	SessionReauthMinGap  time.Duration `koanf:"session_reauth_min_gap"`
	SessionReauthTimeout time.Duration `koanf:"session_reauth_timeout"`

	// Upstream Call Budget
	RateLimitWindow   time.Duration `koanf:"ratelimit_window"`
	RateLimitMaxCalls int           `koanf:"ratelimit_max_calls"`
	CallSpacing       time.Duration `koanf:"call_spacing"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`

	// Webhook Channel
	WebhookURL         string        `koanf:"webhook_url"`
	WebhookQueueSize   int           `koanf:"webhook_queue_size"`
	WebhookMinInterval time.Duration `koanf:"webhook_min_interval"`
	WebhookMaxRetries  int           `koanf:"webhook_max_retries"`
	WebhookRetryBase   time.Duration `koanf:"webhook_retry_base"`

	// Local Channels
	NotifyChannels       []string      `koanf:"notify_channels"`
	NotifyCooldown       time.Duration `koanf:"notify_cooldown"`
	DesktopNotifyCommand string        `koanf:"desktop_notify_command"`
	AudioNotifyCommand   string        `koanf:"audio_notify_command"`
	OverlayNotifyCommand string        `koanf:"overlay_notify_command"`

	// Event Handling
	DedupeWindow time.Duration `koanf:"dedupe_window"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.LogDir = stripEnvQuotes(c.LogDir)
	c.LogFilePattern = stripEnvQuotes(c.LogFilePattern)
	c.DatasetPath = stripEnvQuotes(c.DatasetPath)
	c.DatasetURL = stripEnvQuotes(c.DatasetURL)
	c.UpstreamURL = stripEnvQuotes(c.UpstreamURL)
	c.UpstreamAuthCookie = stripEnvQuotes(c.UpstreamAuthCookie)
	c.UpstreamAPIKey = stripEnvQuotes(c.UpstreamAPIKey)
	c.WebhookURL = stripEnvQuotes(c.WebhookURL)
	c.DesktopNotifyCommand = stripEnvQuotes(c.DesktopNotifyCommand)
	c.AudioNotifyCommand = stripEnvQuotes(c.AudioNotifyCommand)
	c.OverlayNotifyCommand = stripEnvQuotes(c.OverlayNotifyCommand)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	for i, s := range c.NotifyChannels {
		c.NotifyChannels[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"log_file_pattern":         "output_log_*.txt",
		"tail_poll_interval":       "1s",
		"dataset_path":             "/data/rules.db",
		"dataset_refresh_interval": "1h",
		"dataset_download_timeout": "2m",
		"dataset_refresh_on_start": true,
		"upstream_verify_tls":      true,
		"upstream_http_timeout":    "15s",
		"session_reauth_min_gap":   "5s",
		"session_reauth_timeout":   "10s",
		"ratelimit_window":         "1m",
		"ratelimit_max_calls":      60,
		"call_spacing":             "500ms",
		"cache_ttl":                "10m",
		"webhook_queue_size":       64,
		"webhook_min_interval":     "2s",
		"webhook_max_retries":      3,
		"webhook_retry_base":       "2s",
		"notify_channels":          "desktop",
		"notify_cooldown":          "10s",
		"dedupe_window":            "30s",
		"data_dir":                 "/data",
		"log_level":                "info",
		"log_format":               "json",
		"metrics_enabled":          true,
		"metrics_addr":             ":9090",
		"health_addr":              ":8081",
		"janitor_interval":         "10m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. This normalises values set via Docker --env-file, which does not
// strip shell quoting. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. LOG_DIR → "log_dir"
	// maps to struct tag koanf:"log_dir" without any nesting.
	k := koanf.New(".")

	// Apply defaults first
	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Load from environment — use "." as delimiter so env vars aren't split
	// by "_". Our env var names don't contain ".", so they stay flat.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Inject _FILE secrets
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.NotifyChannels = splitCSV(k.String("notify_channels"))

	// Strip Docker env-file quoting from all string values
	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.LogDir == "" {
		return fmt.Errorf("LOG_DIR is required")
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	if !strings.HasPrefix(c.UpstreamURL, "http://") && !strings.HasPrefix(c.UpstreamURL, "https://") {
		return fmt.Errorf("UPSTREAM_URL must start with http:// or https://; got %q", c.UpstreamURL)
	}
	if c.UpstreamAPIKey == "" && c.UpstreamAuthCookie == "" {
		return fmt.Errorf("either UPSTREAM_API_KEY or UPSTREAM_AUTH_COOKIE is required")
	}

	if c.DatasetURL != "" &&
		!strings.HasPrefix(c.DatasetURL, "http://") && !strings.HasPrefix(c.DatasetURL, "https://") {
		return fmt.Errorf("DATASET_URL must start with http:// or https://; got %q", c.DatasetURL)
	}

	validChannels := map[string]bool{"desktop": true, "audio": true, "overlay": true}
	for _, ch := range c.NotifyChannels {
		if !validChannels[ch] {
			return fmt.Errorf("NOTIFY_CHANNELS entries must be desktop, audio, or overlay; got %q", ch)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.RateLimitMaxCalls < 1 {
		return fmt.Errorf("RATELIMIT_MAX_CALLS must be >= 1; got %d", c.RateLimitMaxCalls)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATELIMIT_WINDOW must be > 0; got %s", c.RateLimitWindow)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0; got %s", c.CacheTTL)
	}
	if c.WebhookQueueSize < 1 {
		return fmt.Errorf("WEBHOOK_QUEUE_SIZE must be >= 1; got %d", c.WebhookQueueSize)
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be >= 0; got %d", c.WebhookMaxRetries)
	}
	if c.TailPollInterval <= 0 {
		return fmt.Errorf("TAIL_POLL_INTERVAL must be > 0; got %s", c.TailPollInterval)
	}
	if c.DedupeWindow < 0 {
		return fmt.Errorf("DEDUPE_WINDOW must be >= 0; got %s", c.DedupeWindow)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"upstream_auth_cookie",
	"upstream_api_key",
	"webhook_url",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
