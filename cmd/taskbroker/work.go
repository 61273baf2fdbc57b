package main

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskbroker/broker"
	"github.com/vinayprograms/taskbroker/errors"
	"github.com/vinayprograms/taskbroker/heartbeat"
	"github.com/vinayprograms/taskbroker/logging"
	"github.com/vinayprograms/taskbroker/shutdown"
)

type workOptions struct {
	concurrency int
	once        bool
	stepDelay   time.Duration
	sweep       bool
}

func newWorkCmd(a *app) *cobra.Command {
	var opts workOptions

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Claim tasks and run their steps",
		Long: `Claim tasks and run their steps with the built-in actions:

  log    emit params.message, else the step name
  sleep  wait params.duration, e.g. "2s"
  fail   fail the task with params.reason

On SIGINT or SIGTERM workers stop claiming and finish their current task.
Tasks still running when the shutdown timeout passes are abandoned; their
heartbeat stops and a sweeper requeues them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			return runWorkers(cmd.Context(), a, rt, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 1, "number of tasks to run at once")
	cmd.Flags().BoolVar(&opts.once, "once", false, "exit after one task")
	cmd.Flags().DurationVar(&opts.stepDelay, "step-delay", 0, "pause between steps")
	cmd.Flags().BoolVar(&opts.sweep, "sweep", false, "also run the stale-task sweeper in this process")
	return cmd
}

// pool is a set of claim-execute loops sharing one broker.
type pool struct {
	broker *broker.Broker
	logger *logging.Logger
	opts   workOptions

	// taskCtx is cancelled to abandon running tasks.
	taskCtx context.Context
	abort   context.CancelFunc

	wg   sync.WaitGroup
	done chan struct{}
}

func newPool(b *broker.Broker, logger *logging.Logger, opts workOptions) *pool {
	if opts.concurrency < 1 || opts.once {
		opts.concurrency = 1
	}
	taskCtx, abort := context.WithCancel(context.Background())
	return &pool{
		broker:  b,
		logger:  logger.WithComponent("worker"),
		opts:    opts,
		taskCtx: taskCtx,
		abort:   abort,
		done:    make(chan struct{}),
	}
}

// run starts the workers and blocks until all of them exit. Workers stop
// claiming when ctx is done.
func (p *pool) run(ctx context.Context) {
	defer close(p.done)
	for i := 0; i < p.opts.concurrency; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.wg.Wait()
}

// drain waits for running tasks, abandoning them if ctx ends first.
func (p *pool) drain(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.abort()
		<-p.done
		return ctx.Err()
	}
}

func (p *pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		task, err := p.broker.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, broker.ErrClosed) {
				return
			}
			p.logger.Error("claim failed", errors.LogFields(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		status, err := execute(p.taskCtx, task, p.opts.stepDelay)
		fields := map[string]interface{}{"task": task.TaskID(), "run": task.RunID()}
		switch {
		case stderrors.Is(err, errAborted):
			p.logger.Warn("task abandoned", fields)
		case err != nil:
			for k, v := range errors.LogFields(err) {
				fields[k] = v
			}
			p.logger.Error("task run failed", fields)
		default:
			fields["status"] = string(status)
			p.logger.Debug("task finished", fields)
		}

		if p.opts.once {
			return
		}
	}
}

func runWorkers(parent context.Context, a *app, rt *runtime, opts workOptions) error {
	p := newPool(rt.broker, a.logger, opts)

	var sweeper *heartbeat.Sweeper
	if opts.sweep {
		s, err := newSweeper(a, rt)
		if err != nil {
			rt.Close()
			return err
		}
		sweeper = s
	}

	register := func(coord *shutdown.Coordinator) {
		coord.RegisterFunc("workers", shutdown.PhaseAgents, p.drain)
		if sweeper != nil {
			coord.RegisterFunc("sweeper", shutdown.PhaseSweeper, func(context.Context) error {
				if err := sweeper.Stop(); err != nil && !stderrors.Is(err, heartbeat.ErrNotStarted) {
					return err
				}
				return nil
			})
		}
	}

	return a.serve(parent, rt, register, func(ctx context.Context) error {
		// The sweeper outlives intake and stops in its own phase.
		if sweeper != nil {
			if err := sweeper.Start(parent); err != nil {
				return err
			}
		}
		a.logger.Info("worker started", map[string]interface{}{
			"concurrency": p.opts.concurrency,
			"backend":     a.cfg.Store.Backend,
		})
		p.run(ctx)
		return nil
	})
}
