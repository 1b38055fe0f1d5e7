package youtube

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/youtube/v3"

	"ytplaylist/internal/metrics"
	"ytplaylist/internal/quota"
	"ytplaylist/internal/retry"
)

// pageSize is the maximum the API accepts for playlistItems.list.
const pageSize = 50

// PlaylistItem is one entry of a playlist.
type PlaylistItem struct {
	ID      string // playlist item ID, used for deletion
	VideoID string
	Title   string
}

// VideoURL returns the watch URL for the item's video.
func (p PlaylistItem) VideoURL() string {
	return VideoURL(p.VideoID)
}

// VideoURL returns the watch URL for videoID.
func VideoURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// PlaylistService is the subset of playlist operations the poll loop needs.
type PlaylistService interface {
	ListItems(ctx context.Context, playlistID string) ([]PlaylistItem, error)
	InsertVideo(ctx context.Context, playlistID, videoID string) error
	DeleteItem(ctx context.Context, playlistItemID string) error
}

// ClientConfig configures a PlaylistClient.
type ClientConfig struct {
	// RequestsPerSecond paces calls to the API. Zero disables pacing.
	RequestsPerSecond float64
	// Retry governs per-call retries of transient failures.
	Retry retry.Config
	// Breaker configures the per-operation circuit breaker.
	Breaker BreakerConfig
}

// DefaultClientConfig returns a conservative configuration.
func DefaultClientConfig() ClientConfig {
	r := retry.DefaultConfig()
	r.MaxRetries = 3
	return ClientConfig{
		RequestsPerSecond: 1.0,
		Retry:             r,
		Breaker: BreakerConfig{
			FailureThreshold: DefaultBreakerThreshold,
			RecoveryTimeout:  DefaultRecoveryTimeout,
		},
	}
}

// PlaylistClient implements PlaylistService on top of the YouTube Data API.
// Every call is gated by the circuit breaker, paced by a token bucket,
// retried on transient errors and charged against the quota estimator.
type PlaylistClient struct {
	service *youtube.Service
	quota   *quota.Estimator
	metrics *metrics.Metrics
	log     *slog.Logger
	limiter *rate.Limiter
	breaker *Breaker
	retry   retry.Config
}

// NewPlaylistClient wraps service. quota and m may be nil.
func NewPlaylistClient(service *youtube.Service, q *quota.Estimator, m *metrics.Metrics, log *slog.Logger, cfg ClientConfig) *PlaylistClient {
	if log == nil {
		log = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	bc := cfg.Breaker
	bc.IsTransientError = isRetryableAPIError

	return &PlaylistClient{
		service: service,
		quota:   q,
		metrics: m,
		log:     log,
		limiter: limiter,
		breaker: NewBreaker(bc),
		retry:   cfg.Retry,
	}
}

// ListItems returns every item of playlistID, following page tokens.
func (c *PlaylistClient) ListItems(ctx context.Context, playlistID string) ([]PlaylistItem, error) {
	var items []PlaylistItem
	pageToken := ""

	for {
		var resp *youtube.PlaylistItemListResponse
		err := c.call(ctx, quota.OpList, func(ctx context.Context) error {
			call := c.service.PlaylistItems.List([]string{"snippet"}).
				PlaylistId(playlistID).
				MaxResults(pageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, &APIError{Op: quota.OpList, Target: playlistID, Err: err}
		}

		for _, item := range resp.Items {
			if item.Snippet == nil || item.Snippet.ResourceId == nil || item.Snippet.ResourceId.VideoId == "" {
				continue
			}
			items = append(items, PlaylistItem{
				ID:      item.Id,
				VideoID: item.Snippet.ResourceId.VideoId,
				Title:   item.Snippet.Title,
			})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	c.log.Debug("listed playlist", slog.String("playlist", playlistID), slog.Int("items", len(items)))
	return items, nil
}

// InsertVideo appends videoID to playlistID.
func (c *PlaylistClient) InsertVideo(ctx context.Context, playlistID, videoID string) error {
	item := &youtube.PlaylistItem{
		Snippet: &youtube.PlaylistItemSnippet{
			PlaylistId: playlistID,
			ResourceId: &youtube.ResourceId{
				Kind:    "youtube#video",
				VideoId: videoID,
			},
		},
	}

	err := c.call(ctx, quota.OpInsert, func(ctx context.Context) error {
		_, err := c.service.PlaylistItems.Insert([]string{"snippet"}, item).Context(ctx).Do()
		return err
	})
	if err != nil {
		return &APIError{Op: quota.OpInsert, Target: playlistID, Err: err}
	}

	c.log.Info("added video to playlist", slog.String("video_id", videoID), slog.String("playlist", playlistID))
	return nil
}

// DeleteItem removes a playlist item by its item ID (not the video ID).
func (c *PlaylistClient) DeleteItem(ctx context.Context, playlistItemID string) error {
	err := c.call(ctx, quota.OpDelete, func(ctx context.Context) error {
		return c.service.PlaylistItems.Delete(playlistItemID).Context(ctx).Do()
	})
	if err != nil {
		return &APIError{Op: quota.OpDelete, Target: playlistItemID, Err: err}
	}

	c.log.Info("removed playlist item", slog.String("item", playlistItemID))
	return nil
}

// call runs one API operation through breaker, limiter, retry and quota
// accounting.
func (c *PlaylistClient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.breaker.Allow(op); err != nil {
		return err
	}

	err := retry.Do(ctx, c.retry, isRetryableAPIError, func(ctx context.Context) error {
		// Checked per attempt so retries cannot overrun the budget.
		if c.quota != nil && !c.quota.Allow(op) {
			return ErrQuotaExceeded
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		err := classify(fn(ctx))
		c.metrics.ObserveDuration(metrics.OpAPICall, time.Since(start))
		if reachedAPI(err) {
			c.charge(op)
		}

		if errors.Is(err, ErrQuotaExceeded) && c.quota != nil {
			c.quota.MarkExhausted()
		}
		if err != nil {
			c.log.Debug("api call failed", slog.String("operation", op), slog.String("error", err.Error()))
		}
		return err
	})

	if err != nil {
		c.breaker.RecordFailure(op, err)
		c.metrics.APIError(shortOp(op), errorReason(err))
		return err
	}
	c.breaker.RecordSuccess(op)
	return nil
}

// reachedAPI reports whether the request got an answer from the API.
// Those are billed even when the answer is an error.
func reachedAPI(err error) bool {
	if err == nil {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr)
}

func (c *PlaylistClient) charge(op string) {
	c.metrics.APICall(shortOp(op))
	if c.quota != nil {
		c.quota.Charge(op)
	}
}

// shortOp maps "playlistItems.list" to the "list" label used by metrics.
func shortOp(op string) string {
	switch op {
	case quota.OpList:
		return "list"
	case quota.OpInsert:
		return "insert"
	case quota.OpDelete:
		return "delete"
	}
	return op
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrPlaylistNotFound), errors.Is(err, ErrItemNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
