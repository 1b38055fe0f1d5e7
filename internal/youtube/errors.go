// Package youtube wraps the YouTube Data API playlist operations, OAuth token
// handling and the yt-dlp download executor.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"ytplaylist/internal/retry"
)

// Sentinel errors for playlist and download operations.
var (
	ErrAuth              = errors.New("youtube: authentication failed")
	ErrNoToken           = errors.New("youtube: no token available")
	ErrQuotaExceeded     = errors.New("youtube: quota exceeded")
	ErrPlaylistNotFound  = errors.New("youtube: playlist not found")
	ErrItemNotFound      = errors.New("youtube: playlist item not found")
	ErrRateLimited       = errors.New("youtube: rate limited")
	ErrCircuitOpen       = errors.New("youtube: circuit breaker is open")
	ErrYtdlpNotInstalled = errors.New("youtube: yt-dlp not installed")
	ErrDownloadFailed    = errors.New("youtube: download failed")
)

// APIError wraps errors with context about the API call.
type APIError struct {
	Op     string // quota operation name, e.g. "playlistItems.insert"
	Target string // playlist ID or playlist item ID
	Err    error
}

func (e *APIError) Error() string {
	if e.Target == "" {
		return "youtube: " + e.Op + ": " + e.Err.Error()
	}
	return "youtube: " + e.Op + " " + e.Target + ": " + e.Err.Error()
}

func (e *APIError) Unwrap() error { return e.Err }

// DownloadError wraps a failed yt-dlp run.
type DownloadError struct {
	VideoID  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *DownloadError) Error() string {
	msg := "youtube: download " + e.VideoID + ": " + e.Err.Error()
	if e.Stderr != "" && !strings.Contains(msg, e.Stderr) {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *DownloadError) Unwrap() error { return e.Err }

// classify maps a raw client error onto the package sentinels. The original
// error stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrNoToken) {
		return joinSentinel(ErrAuth, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return joinSentinel(ErrAuth, err)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	switch gerr.Code {
	case http.StatusUnauthorized:
		return joinSentinel(ErrAuth, err)
	case http.StatusForbidden:
		switch {
		case hasReason(gerr, "quotaExceeded", "dailyLimitExceeded"):
			return joinSentinel(ErrQuotaExceeded, err)
		case hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded"):
			return joinSentinel(ErrRateLimited, err)
		case hasReason(gerr, "playlistItemsNotAccessible", "playlistContainsMaximumNumberOfVideos", "forbidden"):
			// Permission problems on one playlist are not credential failures.
			return err
		}
		return joinSentinel(ErrAuth, err)
	case http.StatusNotFound:
		if hasReason(gerr, "playlistItemNotFound", "videoNotFound") {
			return joinSentinel(ErrItemNotFound, err)
		}
		return joinSentinel(ErrPlaylistNotFound, err)
	case http.StatusTooManyRequests:
		return joinSentinel(ErrRateLimited, err)
	}
	return err
}

// isRetryableAPIError is the retry.Do classifier for API calls: 5xx, 429,
// rate limits and network errors are retried; auth, quota and not-found are
// not.
func isRetryableAPIError(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}
	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrPlaylistNotFound),
		errors.Is(err, ErrItemNotFound),
		errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, ErrRateLimited):
		return true
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= 500
	}
	// Network errors, timeouts, etc.
	return true
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

func joinSentinel(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}
