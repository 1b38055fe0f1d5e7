package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ytplaylist/internal/metrics"
	"ytplaylist/internal/quota"
	"ytplaylist/internal/storage"
	"ytplaylist/internal/tracker"
	"ytplaylist/internal/youtube"
)

const (
	todoID   = "PLtodo"
	doneID   = "PLdone"
	failedID = "PLfailed"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakePlaylists keeps playlists in memory. Errors queued in insertErrs or
// deleteErrs are returned by the next calls, one per call; a nil entry lets
// that delete succeed.
type fakePlaylists struct {
	mu         sync.Mutex
	todo       []youtube.PlaylistItem
	targets    map[string][]string
	listErr    error
	insertErrs []error
	deleteErrs []error
	lists      int
	inserts    int
	deletes    int
	onList     func(n int)
}

func newFakePlaylists(videoIDs ...string) *fakePlaylists {
	f := &fakePlaylists{targets: make(map[string][]string)}
	for _, id := range videoIDs {
		f.todo = append(f.todo, youtube.PlaylistItem{ID: "item-" + id, VideoID: id, Title: "Video " + id})
	}
	return f
}

func (f *fakePlaylists) ListItems(ctx context.Context, playlistID string) ([]youtube.PlaylistItem, error) {
	f.mu.Lock()
	f.lists++
	n, onList := f.lists, f.onList
	if f.listErr != nil {
		f.mu.Unlock()
		return nil, f.listErr
	}
	items := append([]youtube.PlaylistItem(nil), f.todo...)
	f.mu.Unlock()

	if onList != nil {
		onList(n)
	}
	return items, nil
}

func (f *fakePlaylists) InsertVideo(ctx context.Context, playlistID, videoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		return err
	}
	f.inserts++
	f.targets[playlistID] = append(f.targets[playlistID], videoID)
	return nil
}

func (f *fakePlaylists) DeleteItem(ctx context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deleteErrs) > 0 {
		err := f.deleteErrs[0]
		f.deleteErrs = f.deleteErrs[1:]
		if err != nil {
			return err
		}
	}
	for i, it := range f.todo {
		if it.ID == itemID {
			f.todo = append(f.todo[:i], f.todo[i+1:]...)
			f.deletes++
			return nil
		}
	}
	return &youtube.APIError{Op: quota.OpDelete, Target: itemID, Err: youtube.ErrItemNotFound}
}

func (f *fakePlaylists) todoIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.todo))
	for _, it := range f.todo {
		ids = append(ids, it.VideoID)
	}
	return ids
}

type fakeDownloader struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newFakeDownloader(failing ...string) *fakeDownloader {
	d := &fakeDownloader{fail: make(map[string]bool), calls: make(map[string]int)}
	for _, id := range failing {
		d.fail[id] = true
	}
	return d
}

func (d *fakeDownloader) Download(ctx context.Context, item youtube.PlaylistItem, dir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[item.VideoID]++
	if d.fail[item.VideoID] {
		return &youtube.DownloadError{VideoID: item.VideoID, ExitCode: 1, Err: youtube.ErrDownloadFailed}
	}
	return nil
}

func (d *fakeDownloader) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

type harness struct {
	mgr       *Manager
	playlists *fakePlaylists
	dl        *fakeDownloader
	tracker   *tracker.Tracker
	store     storage.TaskStore
	clock     *fakeClock
	metrics   *metrics.Metrics
	quota     *quota.Estimator
}

type harnessOpts struct {
	failedPlaylist string
	quotaLimit     int
	threshold      int
}

func newHarness(t *testing.T, p *fakePlaylists, d *fakeDownloader, o harnessOpts) *harness {
	t.Helper()
	if o.quotaLimit == 0 {
		o.quotaLimit = 10000
	}
	if o.threshold == 0 {
		o.threshold = 10
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	tr := tracker.New(store, tracker.Config{
		InitialDelay:     60 * time.Second,
		MaxBackoff:       3600 * time.Second,
		FailureThreshold: o.threshold,
		Now:              clock.Now,
	})
	q := quota.New(o.quotaLimit, time.UTC, quota.WithClock(clock.Now))
	m := metrics.New()

	mgr := New(Config{
		TodoPlaylistID:   todoID,
		DonePlaylistID:   doneID,
		FailedPlaylistID: o.failedPlaylist,
		DownloadPath:     t.TempDir(),
		PollInterval:     time.Millisecond,
	}, Deps{
		Playlists:  p,
		Downloader: d,
		Tracker:    tr,
		Quota:      q,
		Metrics:    m,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return &harness{mgr: mgr, playlists: p, dl: d, tracker: tr, store: store, clock: clock, metrics: m, quota: q}
}

func (h *harness) taskCount(t *testing.T) int {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	return len(tasks)
}

func TestRunOnce_MovesDownloadedVideos(t *testing.T) {
	h := newHarness(t, newFakePlaylists("a", "b"), newFakeDownloader(), harnessOpts{})

	res, err := h.mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.CycleID == "" {
		t.Error("CycleID is empty")
	}
	if res.Listed != 2 || res.Downloaded != 2 || res.Moved != 2 {
		t.Errorf("result = %+v, want 2 listed/downloaded/moved", res)
	}

	if got := h.playlists.targets[doneID]; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("done playlist = %v, want [a b]", got)
	}
	if ids := h.playlists.todoIDs(); len(ids) != 0 {
		t.Errorf("todo playlist = %v, want empty", ids)
	}
	if n := h.taskCount(t); n != 0 {
		t.Errorf("tasks left = %d, want 0", n)
	}
	if got := testutil.ToFloat64(h.metrics.VideosProcessed.WithLabelValues(metrics.StatusSuccess)); got != 2 {
		t.Errorf("videos_processed{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.TodoVideos); got != 2 {
		t.Errorf("todo_videos = %v, want 2", got)
	}

	// nothing reappears
	res, err = h.mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if res.Listed != 0 || h.dl.count("a") != 1 || h.dl.count("b") != 1 {
		t.Errorf("second cycle listed %d, downloads a=%d b=%d", res.Listed, h.dl.count("a"), h.dl.count("b"))
	}
}

func TestRunOnce_FailureBackoff(t *testing.T) {
	h := newHarness(t, newFakePlaylists("bad"), newFakeDownloader("bad"), harnessOpts{failedPlaylist: failedID})
	ctx := context.Background()

	res, err := h.mgr.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.DownloadFailures != 1 {
		t.Errorf("DownloadFailures = %d, want 1", res.DownloadFailures)
	}

	task, err := h.tracker.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.State != storage.TaskBackoff || task.Attempts != 1 {
		t.Errorf("task = %s/%d, want backoff/1", task.State, task.Attempts)
	}
	if want := h.clock.Now().Add(60 * time.Second); !task.NextEligibleAt.Equal(want) {
		t.Errorf("NextEligibleAt = %v, want %v", task.NextEligibleAt, want)
	}

	// still in backoff
	h.clock.Advance(30 * time.Second)
	res, _ = h.mgr.RunOnce(ctx)
	if res.Waiting != 1 || h.dl.count("bad") != 1 {
		t.Errorf("waiting = %d, downloads = %d; want 1, 1", res.Waiting, h.dl.count("bad"))
	}

	// eligible again
	h.clock.Advance(30 * time.Second)
	h.mgr.RunOnce(ctx)
	if h.dl.count("bad") != 2 {
		t.Errorf("downloads = %d, want 2", h.dl.count("bad"))
	}
	if ids := h.playlists.todoIDs(); len(ids) != 1 {
		t.Errorf("todo playlist = %v, want video kept during retries", ids)
	}
}

func TestRunOnce_ThresholdRoutesToFailed(t *testing.T) {
	h := newHarness(t, newFakePlaylists("bad", "good"), newFakeDownloader("bad"), harnessOpts{failedPlaylist: failedID})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if _, err := h.mgr.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: RunOnce() error = %v", i, err)
		}
		h.clock.Advance(2 * time.Hour)
	}

	if got := h.dl.count("bad"); got != 10 {
		t.Errorf("downloads of failing video = %d, want 10", got)
	}
	if got := h.dl.count("good"); got != 1 {
		t.Errorf("downloads of good video = %d, want 1", got)
	}
	if got := h.playlists.targets[failedID]; len(got) != 1 || got[0] != "bad" {
		t.Errorf("failed playlist = %v, want [bad]", got)
	}
	if got := h.playlists.targets[doneID]; len(got) != 1 || got[0] != "good" {
		t.Errorf("done playlist = %v, want [good]", got)
	}
	if ids := h.playlists.todoIDs(); len(ids) != 0 {
		t.Errorf("todo playlist = %v, want empty", ids)
	}
	if got := testutil.ToFloat64(h.metrics.VideosProcessed.WithLabelValues(metrics.StatusDownloadFailed)); got != 10 {
		t.Errorf("videos_processed{download_failed} = %v, want 10", got)
	}
	if got := testutil.ToFloat64(h.metrics.VideosProcessed.WithLabelValues(metrics.StatusFailed)); got != 1 {
		t.Errorf("videos_processed{failed} = %v, want 1", got)
	}
}

func TestRunOnce_FailedWithoutFailedPlaylist(t *testing.T) {
	h := newHarness(t, newFakePlaylists("bad"), newFakeDownloader("bad"), harnessOpts{threshold: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.mgr.RunOnce(ctx)
		h.clock.Advance(2 * time.Hour)
	}

	if got := h.dl.count("bad"); got != 2 {
		t.Errorf("downloads = %d, want 2", got)
	}
	if ids := h.playlists.todoIDs(); len(ids) != 1 {
		t.Errorf("todo playlist = %v, want failed video left in place", ids)
	}
	task, err := h.tracker.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.State != storage.TaskFailed {
		t.Errorf("state = %s, want failed", task.State)
	}

	res, _ := h.mgr.RunOnce(ctx)
	if res.Parked != 1 {
		t.Errorf("Parked = %d, want 1", res.Parked)
	}
}

func TestRunOnce_MoveRetriedWithoutRedownload(t *testing.T) {
	p := newFakePlaylists("v")
	p.insertErrs = []error{errors.New("backend error")}
	h := newHarness(t, p, newFakeDownloader(), harnessOpts{})
	ctx := context.Background()

	res, err := h.mgr.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Downloaded != 1 || res.MoveFailures != 1 {
		t.Errorf("result = %+v, want 1 download and 1 move failure", res)
	}
	if got := testutil.ToFloat64(h.metrics.VideosProcessed.WithLabelValues(metrics.StatusAPIFailed)); got != 1 {
		t.Errorf("videos_processed{api_failed} = %v, want 1", got)
	}
	task, err := h.tracker.Get(ctx, "v")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.State != storage.TaskDone || task.MovedToTarget {
		t.Errorf("task = %s moved=%v, want done/not moved", task.State, task.MovedToTarget)
	}

	res, err = h.mgr.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if h.dl.count("v") != 1 {
		t.Errorf("downloads = %d, want 1", h.dl.count("v"))
	}
	if res.Moved != 1 || len(h.playlists.targets[doneID]) != 1 {
		t.Errorf("moved = %d, done = %v", res.Moved, h.playlists.targets[doneID])
	}
	if n := h.taskCount(t); n != 0 {
		t.Errorf("tasks left = %d, want 0", n)
	}
}

func TestRunOnce_DeleteRetriedWithoutReinsert(t *testing.T) {
	p := newFakePlaylists("v")
	p.deleteErrs = []error{errors.New("backend error")}
	h := newHarness(t, p, newFakeDownloader(), harnessOpts{})
	ctx := context.Background()

	h.mgr.RunOnce(ctx)
	task, err := h.tracker.Get(ctx, "v")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !task.MovedToTarget {
		t.Fatal("MovedToTarget = false after successful insert")
	}

	h.mgr.RunOnce(ctx)
	if p.inserts != 1 {
		t.Errorf("inserts = %d, want 1", p.inserts)
	}
	if ids := p.todoIDs(); len(ids) != 0 {
		t.Errorf("todo playlist = %v, want empty", ids)
	}
	if h.dl.count("v") != 1 {
		t.Errorf("downloads = %d, want 1", h.dl.count("v"))
	}
}

func TestRunOnce_DuplicateTodoEntry(t *testing.T) {
	p := newFakePlaylists("a")
	p.todo = append(p.todo, youtube.PlaylistItem{ID: "item-a-2", VideoID: "a", Title: "Video a"})
	h := newHarness(t, p, newFakeDownloader(), harnessOpts{})
	ctx := context.Background()

	res, err := h.mgr.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Moved != 1 {
		t.Errorf("moved = %d, want 1", res.Moved)
	}
	if ids := p.todoIDs(); len(ids) != 0 {
		t.Errorf("todo playlist = %v, want every entry removed", ids)
	}

	if _, err := h.mgr.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if got := p.targets[doneID]; len(got) != 1 {
		t.Errorf("done playlist = %v, want [a]", got)
	}
	if h.dl.count("a") != 1 {
		t.Errorf("downloads = %d, want 1", h.dl.count("a"))
	}
}

func TestRunOnce_DuplicateDeleteRetried(t *testing.T) {
	p := newFakePlaylists("a")
	p.todo = append(p.todo, youtube.PlaylistItem{ID: "item-a-2", VideoID: "a", Title: "Video a"})
	p.deleteErrs = []error{nil, errors.New("backend error")}
	h := newHarness(t, p, newFakeDownloader(), harnessOpts{})
	ctx := context.Background()

	res, _ := h.mgr.RunOnce(ctx)
	if res.MoveFailures != 1 {
		t.Errorf("move failures = %d, want 1", res.MoveFailures)
	}

	h.mgr.RunOnce(ctx)
	if ids := p.todoIDs(); len(ids) != 0 {
		t.Errorf("todo playlist = %v, want empty", ids)
	}
	if p.inserts != 1 || h.dl.count("a") != 1 {
		t.Errorf("inserts = %d, downloads = %d; want 1, 1", p.inserts, h.dl.count("a"))
	}
	if n := h.taskCount(t); n != 0 {
		t.Errorf("tasks left = %d, want 0", n)
	}
}

func TestRunOnce_DeleteNotFoundCountsAsMoved(t *testing.T) {
	p := newFakePlaylists("v")
	p.deleteErrs = []error{&youtube.APIError{Op: quota.OpDelete, Err: youtube.ErrItemNotFound}}
	h := newHarness(t, p, newFakeDownloader(), harnessOpts{})

	res, err := h.mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Moved != 1 || res.MoveFailures != 0 {
		t.Errorf("result = %+v, want moved", res)
	}
	if n := h.taskCount(t); n != 0 {
		t.Errorf("tasks left = %d, want 0", n)
	}
}

func TestRunOnce_QuotaDefersMutations(t *testing.T) {
	h := newHarness(t, newFakePlaylists("v"), newFakeDownloader(), harnessOpts{quotaLimit: 60})
	h.quota.Charge(quota.OpInsert) // 50 of 60 used
	ctx := context.Background()

	res, err := h.mgr.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Downloaded != 1 || res.Deferred != 1 || h.playlists.inserts != 0 {
		t.Errorf("result = %+v, inserts = %d; want download with deferred insert", res, h.playlists.inserts)
	}
	if h.quota.Used() > h.quota.Limit() {
		t.Errorf("quota used %d exceeds limit %d", h.quota.Used(), h.quota.Limit())
	}

	// after the daily reset the move completes without another download
	h.clock.Advance(24 * time.Hour)
	res, err = h.mgr.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() after reset error = %v", err)
	}
	if res.Moved != 1 || h.dl.count("v") != 1 {
		t.Errorf("moved = %d, downloads = %d; want 1, 1", res.Moved, h.dl.count("v"))
	}
}

func TestRunOnce_QuotaSkipsCycle(t *testing.T) {
	h := newHarness(t, newFakePlaylists("v"), newFakeDownloader(), harnessOpts{quotaLimit: 10})
	h.quota.MarkExhausted()

	res, err := h.mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !res.QuotaSkipped || h.playlists.lists != 0 {
		t.Errorf("QuotaSkipped = %v, lists = %d; want skip without listing", res.QuotaSkipped, h.playlists.lists)
	}
}

func TestRunOnce_QuotaExceededOnListing(t *testing.T) {
	p := newFakePlaylists("v")
	p.listErr = &youtube.APIError{Op: quota.OpList, Target: todoID, Err: fmt.Errorf("%w: 403", youtube.ErrQuotaExceeded)}
	h := newHarness(t, p, newFakeDownloader(), harnessOpts{})

	res, err := h.mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v, want nil", err)
	}
	if !res.QuotaSkipped || h.dl.count("v") != 0 {
		t.Errorf("QuotaSkipped = %v, downloads = %d; want skipped cycle", res.QuotaSkipped, h.dl.count("v"))
	}
}

func TestRunOnce_AuthAbortsCycle(t *testing.T) {
	authErr := &youtube.APIError{Op: quota.OpInsert, Err: fmt.Errorf("%w: token revoked", youtube.ErrAuth)}

	t.Run("listing", func(t *testing.T) {
		p := newFakePlaylists("a")
		p.listErr = &youtube.APIError{Op: quota.OpList, Err: youtube.ErrAuth}
		h := newHarness(t, p, newFakeDownloader(), harnessOpts{})

		_, err := h.mgr.RunOnce(context.Background())
		if !errors.Is(err, youtube.ErrAuth) {
			t.Fatalf("RunOnce() error = %v, want ErrAuth", err)
		}
		if h.dl.count("a") != 0 {
			t.Error("downloaded despite auth failure")
		}
	})

	t.Run("insert", func(t *testing.T) {
		p := newFakePlaylists("a", "b")
		p.insertErrs = []error{authErr}
		h := newHarness(t, p, newFakeDownloader(), harnessOpts{})

		_, err := h.mgr.RunOnce(context.Background())
		if !errors.Is(err, youtube.ErrAuth) {
			t.Fatalf("RunOnce() error = %v, want ErrAuth", err)
		}
		if h.dl.count("b") != 0 {
			t.Error("cycle continued after auth failure")
		}
	})
}

func TestRunOnce_PrunesRemovedVideos(t *testing.T) {
	p := newFakePlaylists("bad")
	h := newHarness(t, p, newFakeDownloader("bad"), harnessOpts{})
	ctx := context.Background()

	h.mgr.RunOnce(ctx)
	if n := h.taskCount(t); n != 1 {
		t.Fatalf("tasks = %d, want 1", n)
	}

	// removed from todo by hand
	p.mu.Lock()
	p.todo = nil
	p.mu.Unlock()

	h.mgr.RunOnce(ctx)
	if n := h.taskCount(t); n != 0 {
		t.Errorf("tasks = %d, want 0 after removal", n)
	}
}

func TestRunDaemon_StopsOnCancel(t *testing.T) {
	p := newFakePlaylists()
	h := newHarness(t, p, newFakeDownloader(), harnessOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.onList = func(n int) {
		if n >= 3 {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.mgr.RunDaemon(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunDaemon() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunDaemon() did not stop after cancel")
	}
	if p.lists < 3 {
		t.Errorf("lists = %d, want at least 3 cycles", p.lists)
	}
}

func TestRunDaemon_KeepsPollingAfterAuthFailure(t *testing.T) {
	p := newFakePlaylists()
	p.listErr = youtube.ErrAuth
	h := newHarness(t, p, newFakeDownloader(), harnessOpts{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := h.mgr.RunDaemon(ctx); err != nil {
		t.Errorf("RunDaemon() error = %v, want nil", err)
	}
	p.mu.Lock()
	lists := p.lists
	p.mu.Unlock()
	if lists < 2 {
		t.Errorf("lists = %d, want repeated attempts", lists)
	}
}
