package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskbroker/logging"
	"github.com/vinayprograms/taskbroker/store"
	"github.com/vinayprograms/taskbroker/telemetry"
)

// Sweep actions.
const (
	ActionReported = "reported"
	ActionRequeued = "requeued"
	ActionFailed   = "failed"
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Store is swept for processing tasks with a silent heartbeat.
	Store store.Store

	// Timeout for considering a run dead.
	// Should be several heartbeat intervals.
	// Default: 5 seconds
	Timeout time.Duration

	// CheckInterval between sweeps.
	// Default: 1 second
	CheckInterval time.Duration

	// Requeue puts stale tasks back to open, or fails them once they
	// have been retried MaxRetries times. When false the sweeper only
	// reports.
	Requeue bool

	// MaxRetries bounds how often a task is requeued.
	// Default: 3
	MaxRetries int

	// Logger for sweep results. Default: discard.
	Logger *logging.Logger

	// Tracer wraps each sweep in a span. Default: no-op.
	Tracer *telemetry.Tracer
}

// Validate checks the configuration.
func (c *SweeperConfig) Validate() error {
	if c.Store == nil {
		return ErrInvalidConfig
	}
	if c.Timeout < 0 || c.CheckInterval < 0 || c.MaxRetries < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSweeperConfig returns configuration with sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Timeout:       5 * time.Second,
		CheckInterval: 1 * time.Second,
		MaxRetries:    3,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Stale    int
	Requeued int
	Failed   int
}

// Sweeper finds stale runs and reclaims their tasks.
type Sweeper struct {
	store         store.Store
	timeout       time.Duration
	checkInterval time.Duration
	requeue       bool
	maxRetries    int
	logger        *logging.Logger
	tracer        *telemetry.Tracer

	mu       sync.Mutex
	staleCBs []func(*store.TaskRow)
	reported map[string]bool // run IDs already handled

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultSweeperConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Noop()
	}

	return &Sweeper{
		store:         cfg.Store,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		requeue:       cfg.Requeue,
		maxRetries:    cfg.MaxRetries,
		logger:        cfg.Logger.WithComponent("sweeper"),
		tracer:        cfg.Tracer,
		reported:      make(map[string]bool),
	}, nil
}

// OnStale registers a callback invoked once per stale run, before any
// requeue or failure is written.
func (s *Sweeper) OnStale(callback func(task *store.TaskRow)) {
	s.mu.Lock()
	s.staleCBs = append(s.staleCBs, callback)
	s.mu.Unlock()
}

// Start sweeps every CheckInterval until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Stop stops sweeping and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Sweep runs one pass. Runs that were already handled are skipped; a run
// that another sweeper or the run itself resolved first is ignored.
func (s *Sweeper) Sweep(ctx context.Context) (result SweepResult, err error) {
	ctx, span := s.tracer.StartSweep(ctx)
	defer func() {
		span.SetAttributes(
			telemetry.AttrStale.Int(result.Stale),
			telemetry.AttrRequeued.Int(result.Requeued),
			telemetry.AttrFailed.Int(result.Failed),
		)
		telemetry.End(span, err)
	}()

	stale, err := s.store.ListStaleTasks(ctx, s.timeout)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	callbacks := make([]func(*store.TaskRow), len(s.staleCBs))
	copy(callbacks, s.staleCBs)
	current := make(map[string]bool, len(stale))
	var fresh []*store.TaskRow
	for _, task := range stale {
		current[task.RunID] = true
		if !s.reported[task.RunID] {
			fresh = append(fresh, task)
		}
	}
	// Forget runs that are no longer stale so the map stays bounded.
	for runID := range s.reported {
		if !current[runID] {
			delete(s.reported, runID)
		}
	}
	s.mu.Unlock()

	for _, task := range fresh {
		result.Stale++
		for _, cb := range callbacks {
			cb(task)
		}

		action, err := s.reclaim(ctx, task)
		if err != nil {
			if errors.Is(err, store.ErrStaleRun) {
				// Resolved elsewhere between list and write.
				continue
			}
			return result, err
		}
		switch action {
		case ActionRequeued:
			result.Requeued++
		case ActionFailed:
			result.Failed++
		}
		s.logger.StaleTask(task.ID, task.RunID, action)

		s.mu.Lock()
		s.reported[task.RunID] = true
		s.mu.Unlock()
	}
	return result, nil
}

func (s *Sweeper) reclaim(ctx context.Context, task *store.TaskRow) (string, error) {
	if !s.requeue {
		return ActionReported, nil
	}
	if task.Retries < s.maxRetries {
		return ActionRequeued, s.store.Requeue(ctx, task.RunID)
	}
	if err := s.store.SetStatus(ctx, task.RunID, store.StatusFailed); err != nil {
		return ActionFailed, err
	}

	// The run will never write its own completion event, so observers
	// would wait forever without this one.
	body, _ := json.Marshal(store.CompletionBody{Status: store.StatusFailed})
	if _, err := s.store.Emit(ctx, store.EventInput{
		TaskID: task.ID,
		RunID:  task.RunID,
		Type:   store.EventCompletion,
		Body:   body,
	}); err != nil {
		s.logger.Error("completion event not written", map[string]interface{}{
			"task":  task.ID,
			"run":   task.RunID,
			"error": err.Error(),
		})
	}
	return ActionFailed, nil
}
