package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/vinayprograms/taskbroker/bus"
	"github.com/vinayprograms/taskbroker/errors"
	"github.com/vinayprograms/taskbroker/heartbeat"
	"github.com/vinayprograms/taskbroker/logging"
	"github.com/vinayprograms/taskbroker/store"
	"github.com/vinayprograms/taskbroker/telemetry"
)

// Agent errors.
var (
	// ErrInvalidResult indicates a Complete status other than completed or failed.
	ErrInvalidResult = stderrors.New("result must be completed or failed")

	// ErrCompleted indicates a log emitted after the run completed.
	ErrCompleted = stderrors.New("task already completed")
)

// Task is what a worker gets from Claim: the claimed work and the means to
// report on it. It hides the store and the broker from execution logic.
type Task interface {
	// Spec returns the task description.
	Spec() store.TaskSpec

	// TaskID returns the task identifier.
	TaskID() string

	// RunID returns the identifier of this execution attempt.
	RunID() string

	// WorkspaceName returns "{taskID}_{runID}", a stable scratch name for
	// this run. Nothing is created on disk.
	WorkspaceName() string

	// EmitLog appends a log event for this run.
	EmitLog(ctx context.Context, message string) error

	// Complete stops the heartbeat, writes the terminal status and appends
	// the completion event. Once it succeeds further calls are no-ops; if
	// a write fails it may be called again.
	Complete(ctx context.Context, status store.Status) error
}

// agent is the Task handed out by Claim. One exists per run in a process.
type agent struct {
	store     store.Store
	logger    *logging.Logger
	bus       bus.MessageBus
	busPrefix string
	events    *gate
	tracer    *telemetry.Tracer

	spec      store.TaskSpec
	taskID    string
	runID     string
	claimedAt time.Time
	pulse     *heartbeat.Pulse

	mu            sync.Mutex
	statusWritten bool
	final         store.Status
	done          bool
}

func newAgent(b *Broker, row *store.TaskRow) *agent {
	a := &agent{
		store:     b.store,
		logger:    b.logger,
		bus:       b.opts.bus,
		busPrefix: b.opts.busPrefix,
		events:    b.events,
		tracer:    b.opts.tracer,
		spec:      row.Spec.Clone(),
		taskID:    row.ID,
		runID:     row.RunID,
		claimedAt: time.Now(),
	}

	// Config is always valid here: Beat is set and the interval positive.
	a.pulse, _ = heartbeat.NewPulse(heartbeat.PulseConfig{
		Beat:     a.beat,
		Interval: b.opts.heartbeatInterval,
		OnError: func(err error) {
			a.logger.HeartbeatFailed(a.runID, err)
		},
	})
	return a
}

func (a *agent) Spec() store.TaskSpec {
	return a.spec.Clone()
}

func (a *agent) TaskID() string {
	return a.taskID
}

func (a *agent) RunID() string {
	return a.runID
}

func (a *agent) WorkspaceName() string {
	return a.taskID + "_" + a.runID
}

// beat writes one heartbeat. A run without a run ID cannot be fenced and
// must never have been handed out.
func (a *agent) beat(ctx context.Context) error {
	if a.runID == "" {
		panic(errors.Assertion("heartbeat fired without a run id", errors.WithTaskID(a.taskID)))
	}
	return a.store.Heartbeat(ctx, a.runID)
}

func (a *agent) EmitLog(ctx context.Context, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return errors.WrapWithCode(ErrCompleted, errors.CodeConflict, "emit log",
			errors.WithTaskID(a.taskID), errors.WithRunID(a.runID))
	}
	return a.emit(ctx, store.EventLog, store.LogBody{Message: message})
}

func (a *agent) Complete(ctx context.Context, status store.Status) (err error) {
	ctx, span := a.tracer.StartComplete(ctx, a.taskID, a.runID, status.String())
	defer func() { telemetry.End(span, err) }()

	if status != store.StatusCompleted && status != store.StatusFailed {
		return errors.WrapWithCode(ErrInvalidResult, errors.CodeInvalid, "complete",
			errors.WithField("status", status.String()))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return nil
	}

	// No beat may land after the terminal status. ErrNotStarted means a
	// previous attempt already stopped it.
	if err := a.pulse.Stop(); err != nil && !stderrors.Is(err, heartbeat.ErrNotStarted) {
		return errors.Wrap(err, "stop heartbeat", errors.WithTaskID(a.taskID), errors.WithRunID(a.runID))
	}

	if !a.statusWritten {
		if err := a.store.SetStatus(ctx, a.runID, status); err != nil {
			return storageError(err, "set status", errors.WithTaskID(a.taskID), errors.WithRunID(a.runID))
		}
		a.statusWritten = true
		a.final = status
	}

	if err := a.emit(ctx, store.EventCompletion, store.CompletionBody{Status: a.final}); err != nil {
		return err
	}

	a.done = true
	a.logger.TaskCompleted(a.taskID, a.runID, a.final.String(), time.Since(a.claimedAt))
	return nil
}

// emit appends one event for this run. Must be called with mu held.
func (a *agent) emit(ctx context.Context, typ store.EventType, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode event body", errors.WithTaskID(a.taskID), errors.WithRunID(a.runID))
	}

	_, err = a.store.Emit(ctx, store.EventInput{
		TaskID: a.taskID,
		RunID:  a.runID,
		Type:   typ,
		Body:   data,
	})
	if err != nil {
		return storageError(err, "emit "+string(typ)+" event", errors.WithTaskID(a.taskID), errors.WithRunID(a.runID))
	}

	a.events.Release()
	if a.bus != nil {
		if err := a.bus.Publish(bus.EventSubject(a.busPrefix, a.taskID), nil); err != nil {
			a.logger.Debug("event notification dropped", map[string]interface{}{
				"task":  a.taskID,
				"error": err.Error(),
			})
		}
	}
	return nil
}
