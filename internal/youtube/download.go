package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"ytplaylist/internal/metrics"
)

// DownloadMode selects what yt-dlp fetches.
type DownloadMode string

const (
	// ModeVideo downloads merged video and audio, preferring mp4.
	ModeVideo DownloadMode = "video"
	// ModeAudio downloads the best audio track in its original container.
	ModeAudio DownloadMode = "audio"
)

// Valid reports whether m is a known mode.
func (m DownloadMode) Valid() bool {
	return m == ModeVideo || m == ModeAudio
}

// FormatSelector returns the yt-dlp format string for the mode.
func (m DownloadMode) FormatSelector() string {
	if m == ModeAudio {
		return "bestaudio[ext=m4a]/bestaudio"
	}
	return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
}

// OutputTemplate returns the yt-dlp output template for files under dir.
func OutputTemplate(dir string) string {
	return filepath.Join(dir, "%(title)s.%(ext)s")
}

// Downloader fetches one video into a directory.
type Downloader interface {
	Download(ctx context.Context, item PlaylistItem, dir string) error
}

// YtdlpDownloader runs yt-dlp through go-ytdlp.
type YtdlpDownloader struct {
	// Mode selects video or audio. Defaults to ModeVideo.
	Mode DownloadMode
	// Executable is the yt-dlp binary. Empty means go-ytdlp's lookup.
	Executable string
	// CookiesFile is passed as --cookies when set and present on disk.
	CookiesFile string
	// Retries is passed as --retries and --fragment-retries.
	Retries int

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// NewYtdlpDownloader creates a downloader for mode.
func NewYtdlpDownloader(mode DownloadMode, m *metrics.Metrics, log *slog.Logger) *YtdlpDownloader {
	if log == nil {
		log = slog.Default()
	}
	return &YtdlpDownloader{
		Mode:    mode,
		Retries: 10,
		Metrics: m,
		Log:     log,
	}
}

// command builds the yt-dlp invocation for dir.
func (d *YtdlpDownloader) command(dir string) *ytdlp.Command {
	mode := d.Mode
	if !mode.Valid() {
		mode = ModeVideo
	}
	retries := fmt.Sprint(d.Retries)

	cmd := ytdlp.New().
		Format(mode.FormatSelector()).
		Output(OutputTemplate(dir)).
		NoCheckCertificates().
		Retries(retries).
		FragmentRetries(retries)

	if d.CookiesFile != "" {
		if _, err := os.Stat(d.CookiesFile); err == nil {
			cmd = cmd.Cookies(d.CookiesFile)
		} else {
			d.Log.Warn("cookies file not found, downloading without cookies", slog.String("path", d.CookiesFile))
		}
	}
	if d.Executable != "" {
		cmd = cmd.SetExecutable(d.Executable)
	}
	return cmd
}

// Download fetches item into dir. A non-zero yt-dlp exit is reported as a
// *DownloadError wrapping ErrDownloadFailed.
func (d *YtdlpDownloader) Download(ctx context.Context, item PlaylistItem, dir string) error {
	d.Log.Info("starting download",
		slog.String("video_id", item.VideoID),
		slog.String("title", item.Title),
		slog.String("mode", string(d.Mode)))
	d.Metrics.Download(metrics.DownloadAttempted)

	start := time.Now()
	result, err := d.command(dir).Run(ctx, item.VideoURL())
	d.Metrics.ObserveDuration(metrics.OpDownload, time.Since(start))

	if err != nil {
		d.Metrics.Download(metrics.DownloadFailed)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.wrapError(item, result, err)
	}

	d.Metrics.Download(metrics.DownloadSuccess)
	d.Log.Info("download finished",
		slog.String("video_id", item.VideoID),
		slog.Duration("took", time.Since(start)))
	return nil
}

// wrapError builds a single-line DownloadError. go-ytdlp's own error embeds
// the full stderr, so a non-zero exit keeps only the exit code and the last
// stderr line.
func (d *YtdlpDownloader) wrapError(item PlaylistItem, result *ytdlp.Result, err error) error {
	de := &DownloadError{VideoID: item.VideoID}
	if result != nil {
		de.ExitCode = result.ExitCode
		de.Stderr = lastLine(result.Stderr)
	}

	switch {
	case de.ExitCode > 0:
		de.Err = fmt.Errorf("%w: exit code %d", ErrDownloadFailed, de.ExitCode)
	case isNotFound(err):
		de.Err = fmt.Errorf("%w: %w", ErrYtdlpNotInstalled, err)
	default:
		de.Err = fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	return de
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "executable file not found") ||
		strings.Contains(err.Error(), "no such file or directory")
}

// lastLine returns the last non-empty line of s, which is where yt-dlp puts
// its ERROR summary.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
