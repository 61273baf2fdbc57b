package broker

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/vinayprograms/taskbroker/bus"
	"github.com/vinayprograms/taskbroker/errors"
	"github.com/vinayprograms/taskbroker/logging"
	"github.com/vinayprograms/taskbroker/store"
	"github.com/vinayprograms/taskbroker/telemetry"
)

// ErrClosed is returned by Claim and Dispatch after Close.
var ErrClosed = stderrors.New("broker closed")

// Option configures a Broker.
type Option func(*options)

type options struct {
	claimInterval     time.Duration
	observeInterval   time.Duration
	heartbeatInterval time.Duration
	logger            *logging.Logger
	bus               bus.MessageBus
	busPrefix         string
	tracer            *telemetry.Tracer
}

func defaultOptions() options {
	return options{
		claimInterval:     time.Second,
		observeInterval:   time.Second,
		heartbeatInterval: time.Second,
		logger:            logging.Discard(),
		tracer:            telemetry.Noop(),
	}
}

// WithClaimInterval sets how often a blocked Claim re-polls the store for
// work dispatched by other processes. Zero relies on the gate alone.
func WithClaimInterval(d time.Duration) Option {
	return func(o *options) {
		if d < 0 {
			d = 0
		}
		o.claimInterval = d
	}
}

// WithObserveInterval sets the delay between subscription polls.
func WithObserveInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.observeInterval = d
		}
	}
}

// WithHeartbeatInterval sets the period of each claimed task's heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer traces dispatch, claim and completion.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithBus shares dispatch and event notifications with other brokers
// publishing under the same subject prefix.
func WithBus(b bus.MessageBus, prefix string) Option {
	return func(o *options) {
		o.bus = b
		o.busPrefix = prefix
	}
}

// Broker dispatches tasks, hands them to claimers and streams their events.
type Broker struct {
	store  store.Store
	gate   *gate // dispatches
	events *gate // events emitted by local runs
	opts   options
	logger *logging.Logger

	// ctx outlives individual calls and bounds heartbeats of claimed tasks.
	ctx    context.Context
	cancel context.CancelFunc

	busSub    bus.Subscription
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a broker over st. With a bus configured, New subscribes to
// dispatch notifications and fails if the subscription cannot be made.
func New(st store.Store, opts ...Option) (*Broker, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		store:  st,
		gate:   newGate(),
		events: newGate(),
		opts:   o,
		logger: o.logger.WithComponent("broker"),
		ctx:    ctx,
		cancel: cancel,
	}

	if o.bus != nil {
		sub, err := o.bus.Subscribe(bus.DispatchSubject(o.busPrefix))
		if err != nil {
			cancel()
			return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "subscribe to dispatch notifications")
		}
		b.busSub = sub
		b.wg.Add(1)
		go b.listen(sub)
	}
	return b, nil
}

// listen releases the local gate for every remote dispatch.
func (b *Broker) listen(sub bus.Subscription) {
	defer b.wg.Done()
	for range sub.Messages() {
		b.gate.Release()
	}
}

// Dispatch persists a new open task and wakes blocked claimers.
// Each call creates a new task.
func (b *Broker) Dispatch(ctx context.Context, spec store.TaskSpec) (taskID string, err error) {
	ctx, span := b.opts.tracer.StartDispatch(ctx, len(spec.Steps))
	defer func() {
		span.SetAttributes(telemetry.AttrTaskID.String(taskID))
		telemetry.End(span, err)
	}()

	if b.ctx.Err() != nil {
		return "", ErrClosed
	}
	if err := spec.Validate(); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeInvalid, "dispatch")
	}

	taskID, err = b.store.CreateTask(ctx, spec)
	if err != nil {
		return "", storageError(err, "create task")
	}

	b.gate.Release()
	b.publish(bus.DispatchSubject(b.opts.busPrefix), []byte(taskID))
	b.logger.TaskDispatched(taskID, len(spec.Steps))
	return taskID, nil
}

// Claim blocks until the store hands out a task, then returns the Task for
// its run. It returns early only when ctx is done or the broker is closed.
// Storage errors are returned immediately, not retried.
func (b *Broker) Claim(ctx context.Context) (task Task, err error) {
	ctx, span := b.opts.tracer.StartClaim(ctx)
	defer func() {
		if task != nil {
			span.SetAttributes(
				telemetry.AttrTaskID.String(task.TaskID()),
				telemetry.AttrRunID.String(task.RunID()),
			)
		}
		telemetry.End(span, err)
	}()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		// Capture before the attempt so a dispatch racing the attempt
		// closes the channel we wait on.
		wake := b.gate.Wait()

		row, err := b.store.ClaimTask(ctx)
		if err != nil {
			return nil, storageError(err, "claim task")
		}
		if row != nil {
			return b.start(row)
		}

		var tick <-chan time.Time
		if b.opts.claimInterval > 0 {
			if timer == nil {
				timer = time.NewTimer(b.opts.claimInterval)
			} else {
				timer.Reset(b.opts.claimInterval)
			}
			tick = timer.C
		}

		select {
		case <-wake:
		case <-tick:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "claim")
		case <-b.ctx.Done():
			return nil, ErrClosed
		}

		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// start wraps a freshly claimed row in a live agent.
func (b *Broker) start(row *store.TaskRow) (Task, error) {
	a := newAgent(b, row)
	if err := a.pulse.Start(b.ctx); err != nil {
		return nil, errors.Wrap(err, "start heartbeat", errors.WithTaskID(row.ID), errors.WithRunID(row.RunID))
	}
	b.logger.TaskClaimed(row.ID, row.RunID, row.Retries)
	return a, nil
}

// Observe follows the events of taskID with sequence numbers above after.
// The subscription runs until Unsubscribe is called or ctx is done.
func (b *Broker) Observe(ctx context.Context, taskID string, after int64, handler Handler) *Subscription {
	return newSubscription(ctx, b, taskID, after, handler)
}

// Store returns the underlying store.
func (b *Broker) Store() store.Store {
	return b.store
}

// Close stops heartbeats of unfinished tasks, ends the bus listener and
// fails pending claims. The store is left open for its owner, and
// subscriptions keep polling it until they are unsubscribed.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		if b.busSub != nil {
			b.busSub.Unsubscribe()
		}
		b.wg.Wait()
	})
	return nil
}

// publish sends a best-effort notification when a bus is configured.
func (b *Broker) publish(subject string, data []byte) {
	if b.opts.bus == nil {
		return
	}
	if err := b.opts.bus.Publish(subject, data); err != nil {
		b.logger.Warn("bus publish failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}

// storageError tags a store failure with the code callers branch on.
func storageError(err error, message string, opts ...errors.Option) error {
	switch {
	case stderrors.Is(err, store.ErrStaleRun):
		return errors.WrapWithCode(err, errors.CodeStaleRun, message, opts...)
	case stderrors.Is(err, store.ErrTaskNotFound):
		return errors.WrapWithCode(err, errors.CodeNotFound, message, opts...)
	case stderrors.Is(err, store.ErrInvalidSpec), stderrors.Is(err, store.ErrInvalidEvent), stderrors.Is(err, store.ErrInvalidStatus):
		return errors.WrapWithCode(err, errors.CodeInvalid, message, opts...)
	case stderrors.Is(err, store.ErrClosed):
		return errors.WrapWithCode(err, errors.CodeClosed, message, opts...)
	default:
		return errors.WrapWithCode(err, errors.CodeStorage, message, opts...)
	}
}
