package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store with in-process maps.
// Useful for testing and single-process brokers.
type MemoryStore struct {
	opts options

	mu     sync.Mutex
	tasks  map[string]*TaskRow
	order  []string          // task IDs in creation order
	runs   map[string]string // run ID -> task ID
	events map[string][]Event
	closed atomic.Bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		opts:   o,
		tasks:  make(map[string]*TaskRow),
		runs:   make(map[string]string),
		events: make(map[string][]Event),
	}
}

// CreateTask persists a new open task.
func (s *MemoryStore) CreateTask(ctx context.Context, spec TaskSpec) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.opts.idGen()
	s.tasks[id] = &TaskRow{
		ID:        id,
		Spec:      spec.Clone(),
		Status:    StatusOpen,
		CreatedAt: s.opts.now(),
	}
	s.order = append(s.order, id)
	return id, nil
}

// ClaimTask claims the oldest open task.
func (s *MemoryStore) ClaimTask(ctx context.Context) (*TaskRow, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		task := s.tasks[id]
		if task.Status != StatusOpen {
			continue
		}
		now := s.opts.now()
		task.Status = StatusProcessing
		task.RunID = s.opts.runIDGen()
		task.LastHeartbeat = &now
		s.runs[task.RunID] = id
		return task.Clone(), nil
	}
	return nil, nil
}

// activeTask returns the task owned by runID. Must be called with lock held.
func (s *MemoryStore) activeTask(runID string) (*TaskRow, error) {
	id, ok := s.runs[runID]
	if !ok {
		return nil, ErrStaleRun
	}
	task := s.tasks[id]
	if task.RunID != runID || task.Status != StatusProcessing {
		return nil, ErrStaleRun
	}
	return task, nil
}

// Heartbeat stamps the run's task.
func (s *MemoryStore) Heartbeat(ctx context.Context, runID string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.activeTask(runID)
	if err != nil {
		return err
	}
	now := s.opts.now()
	task.LastHeartbeat = &now
	return nil
}

// SetStatus moves the run's task to a terminal status.
func (s *MemoryStore) SetStatus(ctx context.Context, runID string, status Status) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !status.IsTerminal() {
		return ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.activeTask(runID)
	if err != nil {
		return err
	}
	task.Status = status
	return nil
}

// Emit appends an event to the task's log.
func (s *MemoryStore) Emit(ctx context.Context, in EventInput) (*Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[in.TaskID]; !ok {
		return nil, ErrTaskNotFound
	}

	body := make([]byte, len(in.Body))
	copy(body, in.Body)

	ev := Event{
		Seq:       int64(len(s.events[in.TaskID]) + 1),
		TaskID:    in.TaskID,
		RunID:     in.RunID,
		Type:      in.Type,
		Body:      body,
		CreatedAt: s.opts.now(),
	}
	s.events[in.TaskID] = append(s.events[in.TaskID], ev)
	return &ev, nil
}

// GetEvents returns events after the cursor.
func (s *MemoryStore) GetEvents(ctx context.Context, taskID string, after int64) ([]Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if after < 0 {
		after = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[taskID]
	if after >= int64(len(log)) {
		return nil, nil
	}
	// Seq n lives at index n-1, so log[after:] is exactly Seq > after.
	out := make([]Event, len(log)-int(after))
	copy(out, log[after:])
	return out, nil
}

// ListStaleTasks returns processing tasks with an old heartbeat.
func (s *MemoryStore) ListStaleTasks(ctx context.Context, olderThan time.Duration) ([]*TaskRow, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.opts.now().Add(-olderThan)
	var stale []*TaskRow
	for _, id := range s.order {
		task := s.tasks[id]
		if isStale(task, cutoff) {
			stale = append(stale, task.Clone())
		}
	}
	return stale, nil
}

// Get retrieves a task by ID.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*TaskRow, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Requeue returns the run's task to open.
func (s *MemoryStore) Requeue(ctx context.Context, runID string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.activeTask(runID)
	if err != nil {
		return err
	}
	requeue(task)
	return nil
}

// Cancel marks an unfinished task cancelled.
func (s *MemoryStore) Cancel(ctx context.Context, taskID string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return ErrInvalidStatus
	}
	task.Status = StatusCancelled
	return nil
}

// Close releases the store. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

// isStale reports whether a processing task's heartbeat predates cutoff.
func isStale(task *TaskRow, cutoff time.Time) bool {
	if task.Status != StatusProcessing {
		return false
	}
	return task.LastHeartbeat == nil || task.LastHeartbeat.Before(cutoff)
}

// requeue resets a processing row for its next run.
func requeue(task *TaskRow) {
	task.Status = StatusOpen
	task.RunID = ""
	task.LastHeartbeat = nil
	task.Retries++
}

var _ Store = (*MemoryStore)(nil)
