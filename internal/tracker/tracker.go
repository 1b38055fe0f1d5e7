// Package tracker keeps per-video retry state for items in the todo playlist.
//
// A task moves pending -> backoff -> ... -> failed on download failures, or
// to done on success. done and failed are terminal for downloads; only the
// playlist move is retried for them. Every change is written through to a
// storage.TaskStore.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"ytplaylist/internal/retry"
	"ytplaylist/internal/storage"
)

// ErrTerminal is returned when recording a download outcome for a task that
// is already done or failed.
var ErrTerminal = errors.New("tracker: task is terminal")

// Item is one entry of the todo playlist as seen by a poll.
type Item struct {
	VideoID        string
	PlaylistItemID string
	Title          string
}

// Config holds the retry policy.
type Config struct {
	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration
	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
	// FailureThreshold is the attempt count at which a task becomes failed.
	FailureThreshold int
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Tracker applies the retry policy to tasks in a TaskStore.
type Tracker struct {
	mu        sync.Mutex
	store     storage.TaskStore
	backoff   retry.Config
	threshold int
	now       func() time.Time
}

// New creates a Tracker backed by store.
func New(store storage.TaskStore, cfg Config) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &Tracker{
		store: store,
		backoff: retry.Config{
			InitialBackoff: cfg.InitialDelay,
			MaxBackoff:     cfg.MaxBackoff,
			Multiplier:     2.0,
		},
		threshold: cfg.FailureThreshold,
		now:       cfg.Now,
	}
}

// Threshold returns the configured failure threshold.
func (t *Tracker) Threshold() int { return t.threshold }

// Delay returns the backoff that follows failure number attempt.
func (t *Tracker) Delay(attempt int) time.Duration {
	return t.backoff.Backoff(attempt)
}

// listing is one video of the todo playlist with all of its entries.
type listing struct {
	item       Item
	duplicates []string
}

// groupByVideo collapses repeated entries of a video, keeping the first
// occurrence order. An item ID seen twice is counted once.
func groupByVideo(items []Item) []*listing {
	byVideo := make(map[string]*listing, len(items))
	out := make([]*listing, 0, len(items))
	for _, item := range items {
		if item.VideoID == "" {
			continue
		}
		l, ok := byVideo[item.VideoID]
		if !ok {
			l = &listing{item: item}
			byVideo[item.VideoID] = l
			out = append(out, l)
			continue
		}
		if item.PlaylistItemID != l.item.PlaylistItemID && !slices.Contains(l.duplicates, item.PlaylistItemID) {
			l.duplicates = append(l.duplicates, item.PlaylistItemID)
		}
	}
	return out
}

// Sync reconciles the store with the current todo listing. Unknown videos
// become pending tasks, known ones get their playlist item IDs and title
// refreshed, and tasks for videos no longer listed are dropped. A video
// listed more than once yields one task carrying every item ID. The result
// follows the order of items.
func (t *Tracker) Sync(ctx context.Context, items []Item) ([]*storage.VideoTask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	grouped := groupByVideo(items)
	listed := make(map[string]struct{}, len(grouped))
	tasks := make([]*storage.VideoTask, 0, len(grouped))

	for _, l := range grouped {
		item := l.item
		listed[item.VideoID] = struct{}{}

		task, err := t.store.GetTask(ctx, item.VideoID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			task = &storage.VideoTask{
				VideoID:          item.VideoID,
				PlaylistItemID:   item.PlaylistItemID,
				DuplicateItemIDs: l.duplicates,
				Title:            item.Title,
				State:            storage.TaskPending,
				FirstSeenAt:      t.now(),
			}
			if err := t.store.CreateTask(ctx, task); err != nil {
				return nil, fmt.Errorf("track %s: %w", item.VideoID, err)
			}
		case err != nil:
			return nil, fmt.Errorf("load %s: %w", item.VideoID, err)
		default:
			if task.PlaylistItemID != item.PlaylistItemID || task.Title != item.Title ||
				!slices.Equal(task.DuplicateItemIDs, l.duplicates) {
				task.PlaylistItemID = item.PlaylistItemID
				task.DuplicateItemIDs = l.duplicates
				task.Title = item.Title
				if err := t.store.UpdateTask(ctx, task); err != nil {
					return nil, fmt.Errorf("refresh %s: %w", item.VideoID, err)
				}
			}
		}
		tasks = append(tasks, task.Clone())
	}

	all, err := t.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range all {
		if _, ok := listed[task.VideoID]; ok {
			continue
		}
		if err := t.store.DeleteTask(ctx, task.VideoID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("prune %s: %w", task.VideoID, err)
		}
	}

	return tasks, nil
}

// Eligible reports whether task may be downloaded now.
func (t *Tracker) Eligible(task *storage.VideoTask) bool {
	switch task.State {
	case storage.TaskPending:
		return true
	case storage.TaskBackoff:
		return !t.now().Before(task.NextEligibleAt)
	default:
		return false
	}
}

// Get returns the stored task for videoID.
func (t *Tracker) Get(ctx context.Context, videoID string) (*storage.VideoTask, error) {
	return t.store.GetTask(ctx, videoID)
}

// RecordFailure counts a failed download. The task goes into backoff, or
// becomes failed once its attempts reach the threshold.
func (t *Tracker) RecordFailure(ctx context.Context, videoID string, cause error) (*storage.VideoTask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.store.GetTask(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() {
		return task, fmt.Errorf("record failure for %s: %w", videoID, ErrTerminal)
	}

	task.Attempts++
	if cause != nil {
		task.LastError = cause.Error()
	}

	if task.Attempts >= t.threshold {
		task.State = storage.TaskFailed
	} else {
		task.State = storage.TaskBackoff
		next := t.now().Add(t.backoff.Backoff(task.Attempts))
		if next.After(task.NextEligibleAt) {
			task.NextEligibleAt = next
		}
	}

	if err := t.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// RecordSuccess marks the task done and clears its retry schedule.
// The attempt count is kept for reporting.
func (t *Tracker) RecordSuccess(ctx context.Context, videoID string) (*storage.VideoTask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.store.GetTask(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() {
		return task, fmt.Errorf("record success for %s: %w", videoID, ErrTerminal)
	}

	task.State = storage.TaskDone
	task.LastError = ""
	task.NextEligibleAt = time.Time{}

	if err := t.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// MarkMoved records that the video was inserted into its target playlist,
// so a retried move only repeats the todo deletion.
func (t *Tracker) MarkMoved(ctx context.Context, videoID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.store.GetTask(ctx, videoID)
	if err != nil {
		return err
	}
	if task.MovedToTarget {
		return nil
	}
	task.MovedToTarget = true
	return t.store.UpdateTask(ctx, task)
}

// Forget drops the task once it has left the todo playlist.
func (t *Tracker) Forget(ctx context.Context, videoID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.store.DeleteTask(ctx, videoID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Counts returns the number of stored tasks per state.
func (t *Tracker) Counts(ctx context.Context) (map[storage.TaskState]int, error) {
	tasks, err := t.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[storage.TaskState]int, 4)
	for _, task := range tasks {
		counts[task.State]++
	}
	return counts, nil
}
