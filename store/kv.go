package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskbroker/state"
)

// Key prefixes for the state store.
const (
	taskPrefix  = "broker.task."
	runPrefix   = "broker.run."
	eventPrefix = "broker.event."
	seqPrefix   = "broker.seq."
	openPrefix  = "broker.open."
)

// KVStore implements Store on top of a state.StateStore. Rows are JSON and
// every transition is a compare-and-set against the revision it was read at,
// so processes sharing a bucket never need a lock.
//
// Open work is indexed under broker.open.<created>.<task>.<retries>, so a
// claim reads only candidate rows. An index key is written before the row
// can turn open and is removed once its row has moved past that open period.
type KVStore struct {
	kv     state.StateStore
	opts   options
	closed atomic.Bool
}

// revTask is a task row paired with the revision it was read at.
type revTask struct {
	row *TaskRow
	rev uint64
}

// NewKVStore creates a task store backed by the given state store.
func NewKVStore(kv state.StateStore, opts ...Option) *KVStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &KVStore{kv: kv, opts: o}
}

// CreateTask persists a new open task.
func (s *KVStore) CreateTask(ctx context.Context, spec TaskSpec) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}

	task := &TaskRow{
		ID:        s.opts.idGen(),
		Spec:      spec.Clone(),
		Status:    StatusOpen,
		CreatedAt: s.opts.now(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	index := openKey(task)
	if _, err := s.kv.Create(ctx, index, []byte(task.ID)); err != nil {
		return "", fmt.Errorf("index task %s: %w", task.ID, err)
	}
	if _, err := s.kv.Create(ctx, taskPrefix+task.ID, data); err != nil {
		s.kv.Delete(ctx, index)
		return "", fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return task.ID, nil
}

// ClaimTask claims the oldest open task. Losing a race for one task moves on
// to the next; a scan that lost any race is repeated before reporting empty.
func (s *KVStore) ClaimTask(ctx context.Context) (*TaskRow, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	for {
		keys, err := s.kv.Keys(ctx, openPrefix)
		if err != nil {
			return nil, err
		}
		// Zero-padded creation time first, then task ID.
		sort.Strings(keys)

		contended := false
		for _, key := range keys {
			taskID, gen, ok := parseOpenKey(key)
			if !ok {
				continue
			}
			t, err := s.loadTask(ctx, taskID)
			if errors.Is(err, ErrTaskNotFound) {
				// Indexed by a CreateTask that has not written its row yet.
				continue
			}
			if err != nil {
				return nil, err
			}

			switch {
			case t.row.Status == StatusOpen && t.row.Retries == gen:
				task, err := s.claim(ctx, t)
				if errors.Is(err, state.ErrConflict) {
					contended = true
					continue
				}
				if err != nil {
					return nil, err
				}
				s.kv.Delete(ctx, key)
				return task, nil
			case indexSpent(t.row, gen):
				s.kv.Delete(ctx, key)
			}
		}
		if !contended {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// claim moves one open row to processing. The run index is written first so
// a winning run is always resolvable; a losing run removes its index again.
func (s *KVStore) claim(ctx context.Context, t revTask) (*TaskRow, error) {
	now := s.opts.now()
	task := t.row
	task.Status = StatusProcessing
	task.RunID = s.opts.runIDGen()
	task.LastHeartbeat = &now

	runKey := runPrefix + task.RunID
	if _, err := s.kv.Create(ctx, runKey, []byte(task.ID)); err != nil {
		return nil, fmt.Errorf("index run %s: %w", task.RunID, err)
	}
	if err := s.updateTask(ctx, task, t.rev); err != nil {
		s.kv.Delete(ctx, runKey)
		return nil, err
	}
	return task, nil
}

// Heartbeat stamps the run's task.
func (s *KVStore) Heartbeat(ctx context.Context, runID string) error {
	return s.mutateRun(ctx, runID, func(task *TaskRow) error {
		now := s.opts.now()
		task.LastHeartbeat = &now
		return nil
	})
}

// SetStatus moves the run's task to a terminal status.
func (s *KVStore) SetStatus(ctx context.Context, runID string, status Status) error {
	if !status.IsTerminal() {
		return ErrInvalidStatus
	}
	return s.mutateRun(ctx, runID, func(task *TaskRow) error {
		task.Status = status
		return nil
	})
}

// Requeue returns the run's task to open. The next open period is indexed
// before the row changes; if the row moved on first, claimers drop the key.
func (s *KVStore) Requeue(ctx context.Context, runID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	t, err := s.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	next := *t.row
	requeue(&next)
	if _, err := s.kv.Create(ctx, openKey(&next), []byte(next.ID)); err != nil && !errors.Is(err, state.ErrExists) {
		return fmt.Errorf("index task %s: %w", next.ID, err)
	}

	return s.mutateRun(ctx, runID, func(task *TaskRow) error {
		requeue(task)
		return nil
	})
}

// Cancel marks an unfinished task cancelled.
func (s *KVStore) Cancel(ctx context.Context, taskID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var index string
	err := s.mutateTask(ctx, taskID, func(task *TaskRow) error {
		if task.Status.IsTerminal() {
			return ErrInvalidStatus
		}
		index = openKey(task)
		task.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return err
	}
	// Only an open row has a live index key; any other is dropped by claimers.
	s.kv.Delete(ctx, index)
	return nil
}

// Emit appends an event under the next sequence number of its task. The
// event key is created, never overwritten, so two emitters racing for the
// same number cannot both succeed and numbers stay gap-free.
func (s *KVStore) Emit(ctx context.Context, in EventInput) (*Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.loadTask(ctx, in.TaskID); err != nil {
		return nil, err
	}

	seq, err := s.lastSeq(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	for {
		seq++
		ev := &Event{
			Seq:       seq,
			TaskID:    in.TaskID,
			RunID:     in.RunID,
			Type:      in.Type,
			Body:      append(json.RawMessage(nil), in.Body...),
			CreatedAt: s.opts.now(),
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}

		_, err = s.kv.Create(ctx, eventKey(in.TaskID, seq), data)
		if errors.Is(err, state.ErrExists) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append event: %w", err)
		}
		// The counter only shortens the next search; a failed or out of
		// order write costs a retry, never a duplicate.
		s.kv.Put(ctx, seqPrefix+in.TaskID, []byte(strconv.FormatInt(seq, 10)))
		return ev, nil
	}
}

// GetEvents returns events after the cursor.
func (s *KVStore) GetEvents(ctx context.Context, taskID string, after int64) ([]Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := eventPrefix + taskID + "."
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	// Zero-padded sequence suffix makes lexical order numeric order.
	sort.Strings(keys)

	var events []Event
	for _, key := range keys {
		seq, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil || seq <= after {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal(entry.Value, &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", key, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// ListStaleTasks returns processing tasks with an old heartbeat.
func (s *KVStore) ListStaleTasks(ctx context.Context, olderThan time.Duration) ([]*TaskRow, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	tasks, err := s.listTasks(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.opts.now().Add(-olderThan)
	var stale []*TaskRow
	for _, t := range tasks {
		if isStale(t.row, cutoff) {
			stale = append(stale, t.row)
		}
	}
	return stale, nil
}

// Get retrieves a task by ID.
func (s *KVStore) Get(ctx context.Context, taskID string) (*TaskRow, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.row, nil
}

// Close marks the store closed. The underlying state store is owned by the caller.
func (s *KVStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Internal methods

// mutateRun resolves runID to its task and applies fn while the row still
// belongs to that run.
func (s *KVStore) mutateRun(ctx context.Context, runID string, fn func(*TaskRow) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	taskID, err := s.taskOfRun(ctx, runID)
	if err != nil {
		return err
	}
	return s.mutateTask(ctx, taskID, func(task *TaskRow) error {
		if task.RunID != runID || task.Status != StatusProcessing {
			return ErrStaleRun
		}
		return fn(task)
	})
}

// taskOfRun resolves runID through the run index.
func (s *KVStore) taskOfRun(ctx context.Context, runID string) (string, error) {
	if runID == "" {
		return "", ErrStaleRun
	}
	entry, err := s.kv.Get(ctx, runPrefix+runID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrInvalidKey) {
			return "", ErrStaleRun
		}
		return "", err
	}
	return string(entry.Value), nil
}

// loadRun reads the task row still owned by runID.
func (s *KVStore) loadRun(ctx context.Context, runID string) (revTask, error) {
	taskID, err := s.taskOfRun(ctx, runID)
	if err != nil {
		return revTask{}, err
	}
	t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return revTask{}, err
	}
	if t.row.RunID != runID || t.row.Status != StatusProcessing {
		return revTask{}, ErrStaleRun
	}
	return t, nil
}

// mutateTask applies fn to a fresh read of the row until the write lands on
// the revision fn saw. fn decides again after every lost race.
func (s *KVStore) mutateTask(ctx context.Context, taskID string, fn func(*TaskRow) error) error {
	for {
		t, err := s.loadTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := fn(t.row); err != nil {
			return err
		}
		err = s.updateTask(ctx, t.row, t.rev)
		if !errors.Is(err, state.ErrConflict) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *KVStore) loadTask(ctx context.Context, taskID string) (revTask, error) {
	entry, err := s.kv.Get(ctx, taskPrefix+taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrInvalidKey) {
			return revTask{}, ErrTaskNotFound
		}
		return revTask{}, err
	}

	var task TaskRow
	if err := json.Unmarshal(entry.Value, &task); err != nil {
		return revTask{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return revTask{row: &task, rev: entry.Revision}, nil
}

// updateTask writes task if its row is still at rev.
func (s *KVStore) updateTask(ctx context.Context, task *TaskRow, rev uint64) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.kv.Update(ctx, taskPrefix+task.ID, data, rev)
	return err
}

// listTasks returns every task ordered by creation time, then ID. Only the
// sweeper needs the full set; claims go through the open index.
func (s *KVStore) listTasks(ctx context.Context) ([]revTask, error) {
	keys, err := s.kv.Keys(ctx, taskPrefix)
	if err != nil {
		return nil, err
	}

	tasks := make([]revTask, 0, len(keys))
	for _, key := range keys {
		t, err := s.loadTask(ctx, strings.TrimPrefix(key, taskPrefix))
		if err != nil {
			// Deleted between Keys and Get.
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i].row, tasks[j].row
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return tasks, nil
}

// lastSeq reads the sequence hint for a task, zero when none was written.
func (s *KVStore) lastSeq(ctx context.Context, taskID string) (int64, error) {
	entry, err := s.kv.Get(ctx, seqPrefix+taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(string(entry.Value), 10, 64)
}

// openKey names the open period of task at its current retry count.
func openKey(task *TaskRow) string {
	return fmt.Sprintf("%s%020d.%s.%d", openPrefix, task.CreatedAt.UnixNano(), task.ID, task.Retries)
}

func parseOpenKey(key string) (taskID string, retries int, ok bool) {
	rest, found := strings.CutPrefix(key, openPrefix)
	if !found {
		return "", 0, false
	}
	_, rest, found = strings.Cut(rest, ".")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(rest, ".")
	if i <= 0 {
		return "", 0, false
	}
	retries, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], retries, true
}

// indexSpent reports whether the open period gen of row is over. A row that
// is not open and has not reached gen is mid-requeue and keeps its key.
func indexSpent(row *TaskRow, gen int) bool {
	switch {
	case row.Status.IsTerminal(), row.Retries > gen:
		return true
	case row.Retries == gen:
		return row.Status == StatusProcessing
	}
	return false
}

func eventKey(taskID string, seq int64) string {
	return fmt.Sprintf("%s%s.%020d", eventPrefix, taskID, seq)
}

var _ Store = (*KVStore)(nil)
