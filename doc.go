// Package ytplaylist downloads the videos queued in a YouTube "todo" playlist.
//
// # Overview
//
// Each processing cycle lists the todo playlist through the YouTube Data API,
// downloads every eligible video with yt-dlp, and moves finished videos to a
// "done" playlist. Failed downloads are retried with capped exponential
// backoff; a video that keeps failing is moved to an optional "failed"
// playlist once it reaches the failure threshold.
//
// API usage is charged against a daily quota estimate (list 1, insert 50,
// delete 50) that resets at midnight in the configured timezone. Mutations
// that would exceed the estimate are deferred to a later cycle.
//
// # Running
//
//	ytplaylist                    # one cycle
//	ytplaylist --daemon           # poll every POLL_INTERVAL seconds
//	ytplaylist auth               # web UI that writes the OAuth token file
//
// # Configuration
//
// Settings load from multiple sources:
//
//  1. Environment variables and .env (highest priority)
//  2. Config file (ytplaylist.json or ~/.config/ytplaylist/ytplaylist.json)
//  3. Default values (lowest priority)
//
// Main environment variables:
//
//   - TODO_PLAYLIST_ID, DONE_PLAYLIST_ID: required playlists
//   - FAILED_PLAYLIST_ID: where permanently failed videos go
//   - DOWNLOAD_PATH, DOWNLOAD_MODE (video or audio)
//   - POLL_INTERVAL, FAILURE_THRESHOLD, RETRY_INITIAL_DELAY, RETRY_MAX_BACKOFF
//   - DAILY_QUOTA_LIMIT, QUOTA_TIMEZONE
//   - CLIENT_SECRET_JSON or CREDENTIALS_FILE, TOKEN_FILE
//   - STATE_FILE: retry state location, "memory" to keep it in memory
//
// # Error Handling
//
// Checking for sentinel errors:
//
//	if errors.Is(err, ytplaylist.ErrAuth) {
//		fmt.Println("re-authenticate with: ytplaylist auth")
//	}
//
// Extracting wrapped error details:
//
//	var apiErr *ytplaylist.APIError
//	if errors.As(err, &apiErr) {
//		fmt.Printf("%s on %s failed: %v\n", apiErr.Op, apiErr.Target, apiErr.Err)
//	}
//
// # Packages
//
//   - internal/youtube: playlist client, OAuth token handling, yt-dlp downloads
//   - internal/tracker: per-video retry state
//   - internal/quota: daily quota estimate
//   - internal/manager: the poll loop
//   - internal/storage: JSON and in-memory task stores
//   - internal/metrics: Prometheus collectors and endpoint
//
// # Dependencies
//
// yt-dlp must be installed and available in PATH or set via YTDLP_PATH.
//
// Install yt-dlp: https://github.com/yt-dlp/yt-dlp
package ytplaylist
