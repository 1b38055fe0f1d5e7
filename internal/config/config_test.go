package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ytplaylist/internal/youtube"
)

var envKeys = []string{
	"TODO_PLAYLIST_ID", "DONE_PLAYLIST_ID", "FAILED_PLAYLIST_ID",
	"DOWNLOAD_PATH", "DOWNLOAD_MODE", "YTDLP_PATH", "COOKIES_FILE",
	"POLL_INTERVAL", "METRICS_PORT", "DAILY_QUOTA_LIMIT", "QUOTA_TIMEZONE",
	"API_REQUESTS_PER_SECOND", "FAILURE_THRESHOLD", "RETRY_INITIAL_DELAY",
	"RETRY_MAX_BACKOFF", "CLIENT_SECRET_JSON", "CREDENTIALS_FILE", "TOKEN_FILE",
	"AUTH_PORT", "REDIRECT_URI", "STATE_FILE", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
}

// isolate clears the environment and moves into an empty directory with an
// empty home so no real config file is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	dir := t.TempDir()
	t.Setenv("HOME", filepath.Join(dir, "home"))
	t.Chdir(dir)
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DownloadPath != "./downloads" {
		t.Errorf("DownloadPath = %q", cfg.DownloadPath)
	}
	if cfg.DownloadMode != youtube.ModeVideo {
		t.Errorf("DownloadMode = %q", cfg.DownloadMode)
	}
	if cfg.PollInterval.D() != 300*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.FailureThreshold != 10 {
		t.Errorf("FailureThreshold = %d", cfg.FailureThreshold)
	}
	if cfg.InitialBackoff.D() != time.Minute || cfg.MaxBackoff.D() != time.Hour {
		t.Errorf("backoff = %v..%v", cfg.InitialBackoff, cfg.MaxBackoff)
	}
	if cfg.DailyQuotaLimit != 10000 || cfg.QuotaTimezone != "America/Los_Angeles" {
		t.Errorf("quota = %d %s", cfg.DailyQuotaLimit, cfg.QuotaTimezone)
	}

	// defaults are valid once the playlists are set
	cfg.TodoPlaylistID = "PLtodo"
	cfg.DonePlaylistID = "PLdone"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("TODO_PLAYLIST_ID", "PLtodo")
	t.Setenv("DONE_PLAYLIST_ID", "PLdone")
	t.Setenv("FAILED_PLAYLIST_ID", "PLfailed")
	t.Setenv("DOWNLOAD_MODE", "AUDIO")
	t.Setenv("POLL_INTERVAL", "120")
	t.Setenv("RETRY_INITIAL_DELAY", "30s")
	t.Setenv("RETRY_MAX_BACKOFF", "2h")
	t.Setenv("FAILURE_THRESHOLD", "3")
	t.Setenv("DAILY_QUOTA_LIMIT", "500")
	t.Setenv("API_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("STATE_FILE", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TodoPlaylistID != "PLtodo" || cfg.DonePlaylistID != "PLdone" || !cfg.HasFailedPlaylist() {
		t.Errorf("playlists = %q %q %q", cfg.TodoPlaylistID, cfg.DonePlaylistID, cfg.FailedPlaylistID)
	}
	if cfg.DownloadMode != youtube.ModeAudio {
		t.Errorf("DownloadMode = %q, want audio", cfg.DownloadMode)
	}
	if cfg.PollInterval.D() != 2*time.Minute {
		t.Errorf("PollInterval = %v, want 2m", cfg.PollInterval)
	}
	if cfg.InitialBackoff.D() != 30*time.Second || cfg.MaxBackoff.D() != 2*time.Hour {
		t.Errorf("backoff = %v..%v", cfg.InitialBackoff, cfg.MaxBackoff)
	}
	if cfg.FailureThreshold != 3 || cfg.DailyQuotaLimit != 500 || cfg.APIRequestsPerSecond != 2.5 {
		t.Errorf("numbers = %d %d %v", cfg.FailureThreshold, cfg.DailyQuotaLimit, cfg.APIRequestsPerSecond)
	}
	if !cfg.InMemoryState() {
		t.Error("InMemoryState() = false for STATE_FILE=memory")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := isolate(t)

	doc := map[string]any{
		"todo_playlist_id": "PLfile",
		"done_playlist_id": "PLfiledone",
		"poll_interval":    "10m",
		"metrics_port":     9100,
		"download_path":    "/srv/videos",
	}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(filepath.Join(dir, "ytplaylist.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TODO_PLAYLIST_ID", "PLenv")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TodoPlaylistID != "PLenv" {
		t.Errorf("TodoPlaylistID = %q, env should win", cfg.TodoPlaylistID)
	}
	if cfg.DonePlaylistID != "PLfiledone" || cfg.DownloadPath != "/srv/videos" || cfg.MetricsPort != 9100 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.PollInterval.D() != 10*time.Minute {
		t.Errorf("PollInterval = %v, want 10m", cfg.PollInterval)
	}
	if cfg.MetricsAddr() != ":9100" {
		t.Errorf("MetricsAddr() = %q", cfg.MetricsAddr())
	}
}

func TestLoad_HomeConfig(t *testing.T) {
	dir := isolate(t)
	cfgDir := filepath.Join(dir, "home", ".config", "ytplaylist")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	doc := `{"todo_playlist_id":"PLhome","done_playlist_id":"PLd","poll_interval":60}`
	if err := os.WriteFile(filepath.Join(cfgDir, "ytplaylist.json"), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TodoPlaylistID != "PLhome" || cfg.PollInterval.D() != time.Minute {
		t.Errorf("home config not applied: %q %v", cfg.TodoPlaylistID, cfg.PollInterval)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		file    string
		wantErr string
	}{
		{"missing todo", map[string]string{"DONE_PLAYLIST_ID": "d"}, "", "todo_playlist_id"},
		{"missing done", map[string]string{"TODO_PLAYLIST_ID": "t"}, "", "done_playlist_id"},
		{"bad integer", map[string]string{"TODO_PLAYLIST_ID": "t", "DONE_PLAYLIST_ID": "d", "FAILURE_THRESHOLD": "ten"}, "", "FAILURE_THRESHOLD"},
		{"bad duration", map[string]string{"TODO_PLAYLIST_ID": "t", "DONE_PLAYLIST_ID": "d", "POLL_INTERVAL": "soon"}, "", "POLL_INTERVAL"},
		{"bad mode", map[string]string{"TODO_PLAYLIST_ID": "t", "DONE_PLAYLIST_ID": "d", "DOWNLOAD_MODE": "flac"}, "", "download_mode"},
		{"bad timezone", map[string]string{"TODO_PLAYLIST_ID": "t", "DONE_PLAYLIST_ID": "d", "QUOTA_TIMEZONE": "Mars/Olympus"}, "", "quota_timezone"},
		{"max below initial", map[string]string{"TODO_PLAYLIST_ID": "t", "DONE_PLAYLIST_ID": "d", "RETRY_INITIAL_DELAY": "2h", "RETRY_MAX_BACKOFF": "1h"}, "", "retry_max_backoff"},
		{"zero threshold", map[string]string{"TODO_PLAYLIST_ID": "t", "DONE_PLAYLIST_ID": "d", "FAILURE_THRESHOLD": "0"}, "", "failure_threshold"},
		{"malformed file", nil, "{not json", "parse ytplaylist.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if tt.file != "" {
				if err := os.WriteFile(filepath.Join(dir, "ytplaylist.json"), []byte(tt.file), 0644); err != nil {
					t.Fatal(err)
				}
			}

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAuth_NoPlaylists(t *testing.T) {
	isolate(t)
	t.Setenv("AUTH_PORT", "5055")

	cfg, err := LoadAuth()
	if err != nil {
		t.Fatalf("LoadAuth() error = %v", err)
	}
	if cfg.AuthAddr() != ":5055" {
		t.Errorf("AuthAddr() = %q", cfg.AuthAddr())
	}
}

func TestCheckCredentials(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "client_secret.json")
	if err := os.WriteFile(secret, []byte(`{"installed":{}}`), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"inline json", Config{ClientSecretJSON: `{"web":{}}`}, false},
		{"inline garbage", Config{ClientSecretJSON: `{web`}, true},
		{"file present", Config{CredentialsFile: secret}, false},
		{"file missing", Config{CredentialsFile: filepath.Join(dir, "nope.json")}, true},
		{"nothing", Config{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.CheckCredentials()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"300", 300 * time.Second, false},
		{" 60 ", time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"", 0, true},
		{"five", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got.D() != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": 90, "b": "2m"}`), &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if v.A.D() != 90*time.Second || v.B.D() != 2*time.Minute {
		t.Errorf("got %v, %v", v.A, v.B)
	}

	out, err := json.Marshal(Duration(5 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `"5m0s"` {
		t.Errorf("Marshal() = %s", out)
	}

	if err := json.Unmarshal([]byte(`{"a": true}`), &v); err == nil {
		t.Error("Unmarshal(bool) error = nil")
	}
}
