package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStaleRun indicates the run no longer owns its task, either because
	// the task was requeued into a new run or because it already finished.
	ErrStaleRun = errors.New("run is not the active run of its task")

	// ErrInvalidStatus indicates a status transition the store refuses.
	ErrInvalidStatus = errors.New("invalid status transition")

	// ErrInvalidEvent indicates an event with a missing task or unknown type.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed, failed and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskRow is one persisted unit of dispatched work.
type TaskRow struct {
	ID            string     `json:"id"`
	Spec          TaskSpec   `json:"spec"`
	Status        Status     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Retries       int        `json:"retries"`
	CreatedAt     time.Time  `json:"created_at"`

	// RunID is assigned at claim time. Empty means the task has never been
	// claimed, or was requeued and is waiting for its next run.
	RunID string `json:"run_id,omitempty"`
}

// Clone creates a deep copy of the row.
func (t *TaskRow) Clone() *TaskRow {
	clone := *t
	clone.Spec = t.Spec.Clone()
	if t.LastHeartbeat != nil {
		hb := *t.LastHeartbeat
		clone.LastHeartbeat = &hb
	}
	return &clone
}

// EventType distinguishes progress records from the final outcome record.
type EventType string

const (
	EventLog        EventType = "log"
	EventCompletion EventType = "completion"
)

// Valid returns true if the type is a known value.
func (t EventType) Valid() bool {
	return t == EventLog || t == EventCompletion
}

// Event is an append-only progress record. Seq is assigned by the store and
// increases strictly per task, starting at 1.
type Event struct {
	Seq       int64           `json:"seq"`
	TaskID    string          `json:"task_id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}

// DecodeBody unmarshals the event body into v.
func (e *Event) DecodeBody(v interface{}) error {
	return json.Unmarshal(e.Body, v)
}

// EventInput is what a run hands to Emit; the store fills in Seq and CreatedAt.
type EventInput struct {
	TaskID string
	RunID  string
	Type   EventType
	Body   json.RawMessage
}

// Validate checks the required fields.
func (in EventInput) Validate() error {
	if in.TaskID == "" || !in.Type.Valid() {
		return ErrInvalidEvent
	}
	return nil
}

// LogBody is the body of a log event.
type LogBody struct {
	Message string `json:"message"`
}

// CompletionBody is the body of a completion event.
type CompletionBody struct {
	Status Status `json:"status"`
}

// Store is the durable task and event persistence contract.
type Store interface {
	// CreateTask persists a new open task with zero retries.
	// Returns the task ID.
	CreateTask(ctx context.Context, spec TaskSpec) (string, error)

	// ClaimTask atomically moves the oldest open task to processing,
	// assigns it a fresh run ID and stamps its heartbeat.
	// Returns nil, nil when no task is open.
	ClaimTask(ctx context.Context) (*TaskRow, error)

	// Heartbeat updates the last heartbeat of the run's task.
	// Returns ErrStaleRun if the run is no longer active.
	Heartbeat(ctx context.Context, runID string) error

	// SetStatus moves the run's task to a terminal status.
	// Returns ErrInvalidStatus for non-terminal targets and ErrStaleRun
	// if the run is no longer active.
	SetStatus(ctx context.Context, runID string, status Status) error

	// Emit appends an event, assigning the next sequence number for its task.
	Emit(ctx context.Context, in EventInput) (*Event, error)

	// GetEvents returns the task's events with Seq > after, ascending.
	GetEvents(ctx context.Context, taskID string, after int64) ([]Event, error)

	// ListStaleTasks returns processing tasks whose last heartbeat is older
	// than olderThan.
	ListStaleTasks(ctx context.Context, olderThan time.Duration) ([]*TaskRow, error)

	// Get retrieves a task by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	Get(ctx context.Context, taskID string) (*TaskRow, error)

	// Requeue moves the run's processing task back to open, clears its run
	// ID and increments its retry counter.
	Requeue(ctx context.Context, runID string) error

	// Cancel marks an open or processing task cancelled.
	// Returns ErrInvalidStatus if the task already finished.
	Cancel(ctx context.Context, taskID string) error

	// Close releases resources held by the store.
	Close() error
}

// Option configures the in-process store implementations.
type Option func(*options)

type options struct {
	idGen    func() string
	runIDGen func() string
	now      func() time.Time
}

func defaultOptions() options {
	return options{
		idGen:    newID,
		runIDGen: newID,
		now:      time.Now,
	}
}

// WithIDGenerator sets the task ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		o.idGen = gen
	}
}

// WithRunIDGenerator sets the run ID generator.
func WithRunIDGenerator(gen func() string) Option {
	return func(o *options) {
		o.runIDGen = gen
	}
}

// WithClock sets the time source used for timestamps and staleness.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
