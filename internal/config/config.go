// Package config manages application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ytplaylist/internal/quota"
	"ytplaylist/internal/youtube"
)

// MemoryState is the StateFile value that keeps tracker state in memory.
const MemoryState = "memory"

// Config holds all application configuration.
type Config struct {
	// Playlists
	TodoPlaylistID   string `json:"todo_playlist_id"`
	DonePlaylistID   string `json:"done_playlist_id"`
	FailedPlaylistID string `json:"failed_playlist_id"`

	// Download settings
	DownloadPath string               `json:"download_path"`
	DownloadMode youtube.DownloadMode `json:"download_mode"`
	YtdlpPath    string               `json:"ytdlp_path"`
	CookiesFile  string               `json:"cookies_file"`

	// Polling
	PollInterval Duration `json:"poll_interval"`
	MetricsPort  int      `json:"metrics_port"`

	// Quota
	DailyQuotaLimit      int     `json:"daily_quota_limit"`
	QuotaTimezone        string  `json:"quota_timezone"`
	APIRequestsPerSecond float64 `json:"api_requests_per_second"`

	// Retry settings
	FailureThreshold int      `json:"failure_threshold"`
	InitialBackoff   Duration `json:"retry_initial_delay"`
	MaxBackoff       Duration `json:"retry_max_backoff"`

	// Auth
	ClientSecretJSON string `json:"client_secret_json"`
	CredentialsFile  string `json:"credentials_file"`
	TokenFile        string `json:"token_file"`
	AuthPort         int    `json:"auth_port"`
	RedirectURI      string `json:"redirect_uri"`

	// State
	StateFile string `json:"state_file"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFile   string `json:"log_file"`
}

// DefaultConfig returns configuration with safe defaults.
func DefaultConfig() *Config {
	return &Config{
		DownloadPath:         "./downloads",
		DownloadMode:         youtube.ModeVideo,
		PollInterval:         Duration(300 * time.Second),
		MetricsPort:          8080,
		DailyQuotaLimit:      10000,
		QuotaTimezone:        quota.DefaultTimezone,
		APIRequestsPerSecond: 1.0,
		FailureThreshold:     10,
		InitialBackoff:       Duration(60 * time.Second),
		MaxBackoff:           Duration(3600 * time.Second),
		CredentialsFile:      "client_secret.json",
		TokenFile:            "token.json",
		AuthPort:             5000,
		StateFile:            "ytplaylist-state.json",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load loads configuration from environment variables, config file, and applies defaults.
// Priority: env vars > config file > defaults
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAuth loads configuration for the auth UI, which needs no playlists.
func LoadAuth() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateAuth(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() (*Config, error) {
	cfg := DefaultConfig()

	// Config file is optional
	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// filePaths lists the config file locations, first match wins.
func filePaths() []string {
	paths := []string{"ytplaylist.json"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ytplaylist", "ytplaylist.json"))
	}
	return paths
}

// loadFromFile attempts to load config from ytplaylist.json in the current
// directory or the user config directory.
func (c *Config) loadFromFile() error {
	for _, path := range filePaths() {
		err := c.LoadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return err
	}
	return os.ErrNotExist
}

// LoadFile merges the JSON document at path into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadFromEnv overrides config with environment variables. Malformed
// numeric values are reported rather than ignored.
func (c *Config) loadFromEnv() error {
	strs := map[string]*string{
		"TODO_PLAYLIST_ID":   &c.TodoPlaylistID,
		"DONE_PLAYLIST_ID":   &c.DonePlaylistID,
		"FAILED_PLAYLIST_ID": &c.FailedPlaylistID,
		"DOWNLOAD_PATH":      &c.DownloadPath,
		"YTDLP_PATH":         &c.YtdlpPath,
		"COOKIES_FILE":       &c.CookiesFile,
		"QUOTA_TIMEZONE":     &c.QuotaTimezone,
		"CLIENT_SECRET_JSON": &c.ClientSecretJSON,
		"CREDENTIALS_FILE":   &c.CredentialsFile,
		"TOKEN_FILE":         &c.TokenFile,
		"REDIRECT_URI":       &c.RedirectURI,
		"STATE_FILE":         &c.StateFile,
		"LOG_LEVEL":          &c.LogLevel,
		"LOG_FORMAT":         &c.LogFormat,
		"LOG_FILE":           &c.LogFile,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("DOWNLOAD_MODE"); v != "" {
		c.DownloadMode = youtube.DownloadMode(strings.ToLower(strings.TrimSpace(v)))
	}

	ints := map[string]*int{
		"METRICS_PORT":      &c.MetricsPort,
		"DAILY_QUOTA_LIMIT": &c.DailyQuotaLimit,
		"FAILURE_THRESHOLD": &c.FailureThreshold,
		"AUTH_PORT":         &c.AuthPort,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, v)
		}
		*dst = n
	}

	durations := map[string]*Duration{
		"POLL_INTERVAL":       &c.PollInterval,
		"RETRY_INITIAL_DELAY": &c.InitialBackoff,
		"RETRY_MAX_BACKOFF":   &c.MaxBackoff,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v := os.Getenv("API_REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("API_REQUESTS_PER_SECOND: invalid number %q", v)
		}
		c.APIRequestsPerSecond = f
	}
	return nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.TodoPlaylistID == "" {
		return fmt.Errorf("todo_playlist_id is required")
	}
	if c.DonePlaylistID == "" {
		return fmt.Errorf("done_playlist_id is required")
	}
	if c.DownloadPath == "" {
		return fmt.Errorf("download_path must not be empty")
	}
	if !c.DownloadMode.Valid() {
		return fmt.Errorf("download_mode must be video or audio, got %q", c.DownloadMode)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range")
	}
	if c.DailyQuotaLimit <= 0 {
		return fmt.Errorf("daily_quota_limit must be positive")
	}
	if _, err := quota.LoadLocation(c.QuotaTimezone); err != nil {
		return fmt.Errorf("quota_timezone: %w", err)
	}
	if c.APIRequestsPerSecond < 0 {
		return fmt.Errorf("api_requests_per_second must be non-negative")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("retry_initial_delay must be positive")
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("retry_max_backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("retry_max_backoff must be >= retry_initial_delay")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state_file must not be empty")
	}
	return c.validateAuth()
}

func (c *Config) validateAuth() error {
	if c.AuthPort <= 0 || c.AuthPort > 65535 {
		return fmt.Errorf("auth_port out of range")
	}
	if c.TokenFile == "" {
		return fmt.Errorf("token_file must not be empty")
	}
	return nil
}

// CheckCredentials verifies that an OAuth client secret is available:
// either ClientSecretJSON parses, or CredentialsFile exists.
func (c *Config) CheckCredentials() error {
	if c.ClientSecretJSON != "" {
		if !json.Valid([]byte(c.ClientSecretJSON)) {
			return fmt.Errorf("CLIENT_SECRET_JSON is not valid JSON")
		}
		return nil
	}
	if c.CredentialsFile == "" {
		return fmt.Errorf("no client secret: set CLIENT_SECRET_JSON or CREDENTIALS_FILE")
	}
	if _, err := os.Stat(c.CredentialsFile); err != nil {
		return fmt.Errorf("credentials file %s: %w", c.CredentialsFile, err)
	}
	return nil
}

// InMemoryState reports whether tracker state should stay in memory.
func (c *Config) InMemoryState() bool {
	return strings.EqualFold(c.StateFile, MemoryState)
}

// HasFailedPlaylist reports whether permanently failed videos are routed.
func (c *Config) HasFailedPlaylist() bool {
	return c.FailedPlaylistID != ""
}

// MetricsAddr returns the listen address of the metrics server.
func (c *Config) MetricsAddr() string {
	return ":" + strconv.Itoa(c.MetricsPort)
}

// AuthAddr returns the listen address of the auth UI.
func (c *Config) AuthAddr() string {
	return ":" + strconv.Itoa(c.AuthPort)
}

// AuthConfig returns the OAuth file locations.
func (c *Config) AuthConfig() youtube.AuthConfig {
	return youtube.AuthConfig{
		ClientSecretJSON: c.ClientSecretJSON,
		CredentialsFile:  c.CredentialsFile,
		TokenFile:        c.TokenFile,
		RedirectURL:      c.RedirectURI,
	}
}
