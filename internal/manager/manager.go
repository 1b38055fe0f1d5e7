// Package manager runs the poll loop: list the todo playlist, download what
// is eligible, and move finished videos to the done or failed playlist.
//
// Processing is sequential. Retry state lives in the tracker, so a video
// whose download succeeded but whose move failed is not downloaded again;
// only the move is repeated on the next cycle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"ytplaylist/internal/metrics"
	"ytplaylist/internal/quota"
	"ytplaylist/internal/storage"
	"ytplaylist/internal/tracker"
	"ytplaylist/internal/youtube"
)

// Config holds the playlists and paths the loop works on.
type Config struct {
	TodoPlaylistID   string
	DonePlaylistID   string
	FailedPlaylistID string // empty: failed videos stay in todo
	DownloadPath     string
	PollInterval     time.Duration
}

// Deps are the collaborators of a Manager. Quota and Metrics may be nil.
type Deps struct {
	Playlists  youtube.PlaylistService
	Downloader youtube.Downloader
	Tracker    *tracker.Tracker
	Quota      *quota.Estimator
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Manager drives processing cycles.
type Manager struct {
	cfg        Config
	playlists  youtube.PlaylistService
	downloader youtube.Downloader
	tracker    *tracker.Tracker
	quota      *quota.Estimator
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// New creates a Manager.
func New(cfg Config, d Deps) *Manager {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		playlists:  d.Playlists,
		downloader: d.Downloader,
		tracker:    d.Tracker,
		quota:      d.Quota,
		metrics:    d.Metrics,
		log:        d.Log,
	}
}

// CycleResult summarizes one processing cycle.
type CycleResult struct {
	CycleID string
	Listed  int

	Downloaded       int // downloads that succeeded
	DownloadFailures int // downloads that failed this cycle
	Moved            int // videos moved to the done playlist
	Routed           int // videos moved to the failed playlist
	MoveFailures     int // playlist mutations that failed
	Waiting          int // tasks still in backoff
	Parked           int // failed tasks with no failed playlist to go to
	Deferred         int // mutations skipped for lack of quota

	QuotaSkipped bool // the listing itself was unaffordable
	Duration     time.Duration
}

// RunOnce runs a single processing cycle. Authentication failures abort the
// cycle and are returned; other per-video failures are recorded and the
// cycle moves on.
func (m *Manager) RunOnce(ctx context.Context) (res *CycleResult, err error) {
	start := time.Now()
	res = &CycleResult{CycleID: uuid.NewString()}
	log := m.log.With(slog.String("cycle", res.CycleID))

	log.Info("starting playlist processing cycle",
		slog.String("todo", m.cfg.TodoPlaylistID),
		slog.String("done", m.cfg.DonePlaylistID),
		slog.String("failed", m.cfg.FailedPlaylistID),
		slog.String("download_path", m.cfg.DownloadPath),
		slog.Int("quota_used", m.quotaUsed()))

	defer func() {
		res.Duration = time.Since(start)
		m.metrics.ObserveDuration(metrics.OpPollCycle, res.Duration)
		m.metrics.MarkProcessed(time.Now())
		m.updateTaskGauge(ctx)

		attrs := []any{
			slog.Int("listed", res.Listed),
			slog.Int("downloaded", res.Downloaded),
			slog.Int("download_failures", res.DownloadFailures),
			slog.Int("moved", res.Moved),
			slog.Int("routed_failed", res.Routed),
			slog.Int("move_failures", res.MoveFailures),
			slog.Int("waiting", res.Waiting),
			slog.Int("parked", res.Parked),
			slog.Int("deferred", res.Deferred),
			slog.Duration("took", res.Duration),
			slog.Int("quota_used", m.quotaUsed()),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		log.Info("playlist processing cycle complete", attrs...)
	}()

	if err := os.MkdirAll(m.cfg.DownloadPath, 0755); err != nil {
		return res, fmt.Errorf("create download directory: %w", err)
	}

	if !m.allow(quota.OpList) {
		res.QuotaSkipped = true
		log.Warn("API quota exhausted, skipping cycle", slog.Time("reset_at", m.quota.ResetAt()))
		return res, nil
	}

	items, err := m.playlists.ListItems(ctx, m.cfg.TodoPlaylistID)
	if errors.Is(err, youtube.ErrQuotaExceeded) {
		res.QuotaSkipped = true
		log.Warn("API reported quota exceeded, skipping cycle", slog.String("error", err.Error()))
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("list todo playlist: %w", err)
	}
	res.Listed = len(items)
	m.metrics.SetTodoVideos(len(items))

	if len(items) == 0 {
		log.Info("no videos in todo playlist")
	} else {
		log.Info("found videos to process", slog.Int("count", len(items)))
	}

	tasks, err := m.tracker.Sync(ctx, toTrackerItems(items))
	if err != nil {
		return res, fmt.Errorf("sync tasks: %w", err)
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.process(ctx, log, task, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// process handles one task. A returned error aborts the cycle.
func (m *Manager) process(ctx context.Context, log *slog.Logger, task *storage.VideoTask, res *CycleResult) error {
	log = log.With(slog.String("video_id", task.VideoID), slog.String("title", task.Title))

	switch task.State {
	case storage.TaskDone:
		log.Info("retrying move of downloaded video")
		return m.move(ctx, log, task, m.cfg.DonePlaylistID, res)
	case storage.TaskFailed:
		if m.cfg.FailedPlaylistID == "" {
			res.Parked++
			log.Debug("permanently failed, no failed playlist configured")
			return nil
		}
		return m.move(ctx, log, task, m.cfg.FailedPlaylistID, res)
	}

	if !m.tracker.Eligible(task) {
		res.Waiting++
		log.Debug("in retry backoff", slog.Time("next_eligible", task.NextEligibleAt))
		return nil
	}

	start := time.Now()
	defer func() { m.metrics.ObserveDuration(metrics.OpFullCycle, time.Since(start)) }()

	log.Info("processing video", slog.Int("attempt", task.Attempts+1))
	item := youtube.PlaylistItem{ID: task.PlaylistItemID, VideoID: task.VideoID, Title: task.Title}

	if dlErr := m.downloader.Download(ctx, item, m.cfg.DownloadPath); dlErr != nil {
		if ctx.Err() != nil {
			// Shutdown, not a failed attempt.
			return ctx.Err()
		}
		return m.downloadFailed(ctx, log, task, dlErr, res)
	}

	res.Downloaded++
	done, err := m.tracker.RecordSuccess(ctx, task.VideoID)
	if err != nil {
		return fmt.Errorf("record success for %s: %w", task.VideoID, err)
	}
	return m.move(ctx, log, done, m.cfg.DonePlaylistID, res)
}

func (m *Manager) downloadFailed(ctx context.Context, log *slog.Logger, task *storage.VideoTask, dlErr error, res *CycleResult) error {
	res.DownloadFailures++
	m.metrics.VideoProcessed(metrics.StatusDownloadFailed)

	updated, err := m.tracker.RecordFailure(ctx, task.VideoID, dlErr)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", task.VideoID, err)
	}

	if updated.State != storage.TaskFailed {
		log.Warn("download failed, will retry",
			slog.Int("attempt", updated.Attempts),
			slog.Time("next_eligible", updated.NextEligibleAt),
			slog.String("error", dlErr.Error()))
		return nil
	}

	m.metrics.VideoProcessed(metrics.StatusFailed)
	log.Error("video permanently failed",
		slog.Int("attempts", updated.Attempts),
		slog.String("error", dlErr.Error()))

	if m.cfg.FailedPlaylistID == "" {
		res.Parked++
		log.Warn("no failed playlist configured, leaving video in todo playlist")
		return nil
	}
	return m.move(ctx, log, updated, m.cfg.FailedPlaylistID, res)
}

// move inserts the video into target (once) and deletes every todo entry of
// it. A failed step leaves the task as is so the next cycle resumes from
// there.
func (m *Manager) move(ctx context.Context, log *slog.Logger, task *storage.VideoTask, target string, res *CycleResult) error {
	if !task.MovedToTarget {
		if !m.allow(quota.OpInsert) {
			res.Deferred++
			log.Warn("insufficient API quota, deferring playlist insert", slog.String("playlist", target))
			return nil
		}
		if err := m.playlists.InsertVideo(ctx, target, task.VideoID); err != nil {
			return m.moveFailed(ctx, log, "add to target playlist", err, res)
		}
		if err := m.tracker.MarkMoved(ctx, task.VideoID); err != nil {
			return fmt.Errorf("mark %s moved: %w", task.VideoID, err)
		}
	}

	for _, itemID := range task.ItemIDs() {
		if !m.allow(quota.OpDelete) {
			res.Deferred++
			log.Warn("insufficient API quota, deferring removal from todo playlist")
			return nil
		}
		err := m.playlists.DeleteItem(ctx, itemID)
		if err != nil && !errors.Is(err, youtube.ErrItemNotFound) {
			return m.moveFailed(ctx, log, "remove from todo playlist", err, res)
		}
	}

	if err := m.tracker.Forget(ctx, task.VideoID); err != nil {
		return fmt.Errorf("forget %s: %w", task.VideoID, err)
	}

	if task.State == storage.TaskFailed {
		res.Routed++
		log.Info("moved video to failed playlist", slog.String("playlist", target))
		return nil
	}
	res.Moved++
	m.metrics.VideoProcessed(metrics.StatusSuccess)
	log.Info("successfully processed video")
	return nil
}

func (m *Manager) moveFailed(ctx context.Context, log *slog.Logger, step string, err error, res *CycleResult) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, youtube.ErrAuth):
		return err
	case errors.Is(err, youtube.ErrQuotaExceeded):
		res.Deferred++
		log.Warn("API quota exceeded, move deferred", slog.String("step", step))
		return nil
	}

	res.MoveFailures++
	m.metrics.VideoProcessed(metrics.StatusAPIFailed)
	log.Warn("could not "+step, slog.String("error", err.Error()))
	return nil
}

// RunDaemon runs cycles every PollInterval until ctx is cancelled.
func (m *Manager) RunDaemon(ctx context.Context) error {
	m.log.Info("starting daemon mode", slog.Duration("poll_interval", m.cfg.PollInterval))

	for {
		_, err := m.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			m.log.Info("daemon stopped")
			return nil
		case errors.Is(err, youtube.ErrAuth):
			m.log.Error("authentication failed, re-authenticate through the auth UI", slog.String("error", err.Error()))
		case err != nil:
			m.log.Error("processing cycle failed", slog.String("error", err.Error()))
		}

		m.log.Info("sleeping until next cycle", slog.Duration("poll_interval", m.cfg.PollInterval))
		timer := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.log.Info("daemon stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) allow(op string) bool {
	return m.quota == nil || m.quota.Allow(op)
}

func (m *Manager) quotaUsed() int {
	if m.quota == nil {
		return 0
	}
	return m.quota.Used()
}

func (m *Manager) updateTaskGauge(ctx context.Context) {
	counts, err := m.tracker.Counts(ctx)
	if err != nil {
		m.log.Debug("could not count tasks", slog.String("error", err.Error()))
		return
	}
	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		byState[string(state)] = n
	}
	m.metrics.SetTasks(byState)
}

func toTrackerItems(items []youtube.PlaylistItem) []tracker.Item {
	out := make([]tracker.Item, 0, len(items))
	for _, it := range items {
		out = append(out, tracker.Item{VideoID: it.VideoID, PlaylistItemID: it.ID, Title: it.Title})
	}
	return out
}
