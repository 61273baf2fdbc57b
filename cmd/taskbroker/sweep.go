package main

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskbroker/heartbeat"
	"github.com/vinayprograms/taskbroker/shutdown"
	"github.com/vinayprograms/taskbroker/store"
)

func newSweepCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Requeue or fail tasks whose heartbeat went silent",
		Long: `Find processing tasks whose last heartbeat is older than sweeper.timeout.
With sweeper.requeue set they are put back to open, or failed once they
have been retried sweeper.max_retries times; otherwise they are only
reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if once {
				return a.withRuntime(cmd.Context(), func(rt *runtime) error {
					s, err := newSweeper(a, rt)
					if err != nil {
						return err
					}
					res, err := s.Sweep(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "stale=%d requeued=%d failed=%d\n", res.Stale, res.Requeued, res.Failed)
					return nil
				})
			}

			rt, err := a.open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			s, err := newSweeper(a, rt)
			if err != nil {
				rt.Close()
				return err
			}

			s.OnStale(func(task *store.TaskRow) {
				fmt.Fprintf(cmd.OutOrStdout(), "stale %s run=%s retries=%d\n", task.ID, task.RunID, task.Retries)
			})

			register := func(coord *shutdown.Coordinator) {
				coord.RegisterFunc("sweeper", shutdown.PhaseSweeper, func(context.Context) error {
					if err := s.Stop(); err != nil && !stderrors.Is(err, heartbeat.ErrNotStarted) {
						return err
					}
					return nil
				})
			}
			return a.serve(cmd.Context(), rt, register, func(ctx context.Context) error {
				if err := s.Start(cmd.Context()); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and print the counts")
	return cmd
}

func newSweeper(a *app, rt *runtime) (*heartbeat.Sweeper, error) {
	return heartbeat.NewSweeper(heartbeat.SweeperConfig{
		Store:         rt.store,
		Timeout:       a.cfg.Sweeper.Timeout.Duration,
		CheckInterval: a.cfg.Sweeper.CheckInterval.Duration,
		Requeue:       a.cfg.Sweeper.Requeue,
		MaxRetries:    a.cfg.Sweeper.MaxRetries,
		Logger:        a.logger,
		Tracer:        rt.tracer,
	})
}
