package ytplaylist

import (
	"ytplaylist/internal/retry"
	"ytplaylist/internal/storage"
	"ytplaylist/internal/tracker"
	"ytplaylist/internal/youtube"
)

// Type aliases for convenient error handling.
type (
	// APIError wraps a failed YouTube Data API call.
	APIError = youtube.APIError
	// DownloadError wraps a failed yt-dlp run.
	DownloadError = youtube.DownloadError
	// RetryableError wraps errors that occurred after retries were exhausted.
	RetryableError = retry.RetryableError
	// StorageError wraps errors during storage operations.
	StorageError = storage.StorageError
)

// Sentinel errors exported from sub-packages.
var (
	// ErrAuth indicates the OAuth credentials were rejected or missing.
	ErrAuth = youtube.ErrAuth
	// ErrNoToken indicates no usable token file exists yet.
	ErrNoToken = youtube.ErrNoToken
	// ErrQuotaExceeded indicates the daily API quota is used up.
	ErrQuotaExceeded = youtube.ErrQuotaExceeded
	// ErrPlaylistNotFound indicates the playlist does not exist or is not visible.
	ErrPlaylistNotFound = youtube.ErrPlaylistNotFound
	// ErrItemNotFound indicates the playlist item is already gone.
	ErrItemNotFound = youtube.ErrItemNotFound
	// ErrRateLimited indicates the API throttled the request.
	ErrRateLimited = youtube.ErrRateLimited
	// ErrCircuitOpen indicates calls are failing fast after repeated errors.
	ErrCircuitOpen = youtube.ErrCircuitOpen
	// ErrYtdlpNotInstalled indicates yt-dlp binary was not found.
	ErrYtdlpNotInstalled = youtube.ErrYtdlpNotInstalled
	// ErrDownloadFailed indicates yt-dlp exited with an error.
	ErrDownloadFailed = youtube.ErrDownloadFailed
	// ErrTerminal indicates a download outcome was recorded for a done or failed task.
	ErrTerminal = tracker.ErrTerminal

	// Storage errors
	// ErrNotFound indicates an entity was not found in storage.
	ErrNotFound = storage.ErrNotFound
	// ErrAlreadyExists indicates an entity already exists in storage.
	ErrAlreadyExists = storage.ErrAlreadyExists
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = storage.ErrInvalidInput
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = storage.ErrStorageCorrupt
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = storage.ErrLockTimeout
)

// IsRetryable reports whether err is worth retrying. Context cancellation
// and errors marked with retry.Permanent are not.
func IsRetryable(err error) bool {
	return retry.IsRetryable(err)
}
