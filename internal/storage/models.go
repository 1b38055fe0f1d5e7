package storage

import (
	"slices"
	"time"
)

// TaskState is the processing state of a video in the todo playlist.
type TaskState string

// A VideoTask is in exactly one of these states.
const (
	// TaskPending has never failed and is eligible for download.
	TaskPending TaskState = "pending"
	// TaskBackoff failed at least once and waits for NextEligibleAt.
	TaskBackoff TaskState = "backoff"
	// TaskDone was downloaded; its move to the done playlist may be outstanding.
	TaskDone TaskState = "done"
	// TaskFailed reached the failure threshold and is never downloaded again.
	TaskFailed TaskState = "failed"
)

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskBackoff, TaskDone, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether no further download attempts are made in this state.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// VideoTask tracks one video observed in the todo playlist.
type VideoTask struct {
	ID             string    `json:"id"`               // Internal UUID
	VideoID        string    `json:"video_id"`         // YouTube video ID
	PlaylistItemID string    `json:"playlist_item_id"` // Item ID in the todo playlist
	Title          string    `json:"title"`
	State          TaskState `json:"state"`
	Attempts       int       `json:"attempts"`
	NextEligibleAt time.Time `json:"next_eligible_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	// MovedToTarget is set once the video was inserted into the done or
	// failed playlist, so a retried move only repeats the todo deletion.
	MovedToTarget bool `json:"moved_to_target,omitempty"`
	// DuplicateItemIDs are further todo entries for the same video. They
	// are removed together with PlaylistItemID.
	DuplicateItemIDs []string  `json:"duplicate_item_ids,omitempty"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ItemIDs returns every todo playlist item ID of the video.
func (t *VideoTask) ItemIDs() []string {
	ids := make([]string, 0, 1+len(t.DuplicateItemIDs))
	if t.PlaylistItemID != "" {
		ids = append(ids, t.PlaylistItemID)
	}
	return append(ids, t.DuplicateItemIDs...)
}

// Clone returns a copy of the task.
func (t *VideoTask) Clone() *VideoTask {
	if t == nil {
		return nil
	}
	c := *t
	c.DuplicateItemIDs = slices.Clone(t.DuplicateItemIDs)
	return &c
}
