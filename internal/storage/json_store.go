package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	schemaVersion = "1.0"
	lockTimeout   = 5 * time.Second
)

// JSONStore implements TaskStore using a single JSON file. Every mutation
// rewrites the file atomically.
type JSONStore struct {
	path string
	lock *FileLock
	data *storeData
	mu   sync.RWMutex
}

// storeData is the top-level JSON structure.
type storeData struct {
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Tasks     map[string]*VideoTask `json:"tasks"` // internal_id -> task
	Indexes   *indexes              `json:"indexes"`
}

// indexes maintains lookup tables for efficient queries.
type indexes struct {
	VideoID map[string]string `json:"video_id"` // youtube video id -> internal_id
}

// NewJSONStore opens the store at path, creating an empty one if the file
// does not exist. The file stays locked until Close.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path: path,
		lock: NewFileLock(path),
	}

	if err := s.lock.Lock(lockTimeout); err != nil {
		return nil, err
	}

	if err := s.load(); err != nil {
		s.lock.Unlock()
		return nil, err
	}

	return s, nil
}

// load reads the JSON file into memory. Creates empty data if file doesn't exist.
func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.data = newStoreData()
			// Save immediately to catch permission errors early
			return s.save()
		}
		return &StorageError{Op: "read", Entity: "store", Err: err}
	}

	s.data = &storeData{}
	if err := json.Unmarshal(data, s.data); err != nil {
		return &StorageError{Op: "read", Entity: "store", Err: ErrStorageCorrupt}
	}

	if s.data.Tasks == nil {
		s.data.Tasks = make(map[string]*VideoTask)
	}
	// Indexes are derived data; rebuild rather than trust the file.
	s.data.Indexes = newIndexes()
	for id, task := range s.data.Tasks {
		if task == nil || task.VideoID == "" || !task.State.Valid() {
			return &StorageError{Op: "read", Entity: "task", ID: id, Err: ErrStorageCorrupt}
		}
		s.data.Indexes.VideoID[task.VideoID] = id
	}

	return nil
}

// save persists the data to disk atomically.
func (s *JSONStore) save() error {
	s.data.UpdatedAt = time.Now()

	writer, err := NewAtomicWriter(s.path)
	if err != nil {
		return &StorageError{Op: "write", Entity: "store", Err: err}
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		writer.Abort()
		return &StorageError{Op: "write", Entity: "store", Err: err}
	}

	if err := writer.Commit(); err != nil {
		return &StorageError{Op: "write", Entity: "store", Err: err}
	}

	return nil
}

// Close releases the file lock.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.Unlock()
}

func newStoreData() *storeData {
	return &storeData{
		Version:   schemaVersion,
		UpdatedAt: time.Now(),
		Tasks:     make(map[string]*VideoTask),
		Indexes:   newIndexes(),
	}
}

func newIndexes() *indexes {
	return &indexes{
		VideoID: make(map[string]string),
	}
}

func (s *JSONStore) CreateTask(ctx context.Context, task *VideoTask) error {
	if task == nil || task.VideoID == "" || !task.State.Valid() {
		return &StorageError{Op: "create", Entity: "task", Err: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if _, exists := s.data.Tasks[task.ID]; exists {
		return &StorageError{Op: "create", Entity: "task", ID: task.ID, Err: ErrAlreadyExists}
	}
	if _, exists := s.data.Indexes.VideoID[task.VideoID]; exists {
		return &StorageError{Op: "create", Entity: "task", ID: task.VideoID, Err: ErrAlreadyExists}
	}

	now := time.Now()
	if task.FirstSeenAt.IsZero() {
		task.FirstSeenAt = now
	}
	task.UpdatedAt = now

	s.data.Tasks[task.ID] = task.Clone()
	s.data.Indexes.VideoID[task.VideoID] = task.ID

	if err := s.save(); err != nil {
		delete(s.data.Tasks, task.ID)
		delete(s.data.Indexes.VideoID, task.VideoID)
		return err
	}
	return nil
}

func (s *JSONStore) GetTask(ctx context.Context, videoID string) (*VideoTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.data.Indexes.VideoID[videoID]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "task", ID: videoID, Err: ErrNotFound}
	}

	task, exists := s.data.Tasks[id]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "task", ID: id, Err: ErrStorageCorrupt}
	}
	return task.Clone(), nil
}

func (s *JSONStore) UpdateTask(ctx context.Context, task *VideoTask) error {
	if task == nil || !task.State.Valid() {
		return &StorageError{Op: "update", Entity: "task", Err: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data.Tasks[task.ID]
	if !exists {
		return &StorageError{Op: "update", Entity: "task", ID: task.ID, Err: ErrNotFound}
	}

	reindex := existing.VideoID != task.VideoID
	if reindex {
		delete(s.data.Indexes.VideoID, existing.VideoID)
		s.data.Indexes.VideoID[task.VideoID] = task.ID
	}

	prevUpdated := task.UpdatedAt
	task.UpdatedAt = time.Now()
	s.data.Tasks[task.ID] = task.Clone()

	if err := s.save(); err != nil {
		s.data.Tasks[task.ID] = existing
		if reindex {
			delete(s.data.Indexes.VideoID, task.VideoID)
			s.data.Indexes.VideoID[existing.VideoID] = task.ID
		}
		task.UpdatedAt = prevUpdated
		return err
	}
	return nil
}

func (s *JSONStore) DeleteTask(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.data.Indexes.VideoID[videoID]
	if !exists {
		return &StorageError{Op: "delete", Entity: "task", ID: videoID, Err: ErrNotFound}
	}

	task := s.data.Tasks[id]
	delete(s.data.Tasks, id)
	delete(s.data.Indexes.VideoID, videoID)

	if err := s.save(); err != nil {
		s.data.Tasks[id] = task
		s.data.Indexes.VideoID[videoID] = id
		return err
	}
	return nil
}

func (s *JSONStore) ListTasks(ctx context.Context) ([]*VideoTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*VideoTask, 0, len(s.data.Tasks))
	for _, task := range s.data.Tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks, nil
}
