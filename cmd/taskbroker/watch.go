package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskbroker/store"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		after  int64
		keep   bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Print a task's events as they are emitted",
		Long: `Print a task's events in sequence order. The command exits once the
task's completion event has been printed, or when the task is found
cancelled or otherwise finished, unless --follow is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			return a.serve(cmd.Context(), rt, nil, func(ctx context.Context) error {
				_, err := follow(ctx, rt, args[0], after, keep, printer(cmd.OutOrStdout(), asJSON))
				return err
			})
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "only print events with a sequence number above this")
	cmd.Flags().BoolVarP(&keep, "follow", "f", false, "keep watching after completion")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return cmd
}

// follow observes taskID from cursor after and hands each event to show.
// Unless keep is set it returns the task's final status once the completion
// event arrives or the task's row is found terminal. It returns an empty
// status when ctx ends first.
func follow(ctx context.Context, rt *runtime, taskID string, after int64, keep bool, show func(store.Event)) (store.Status, error) {
	if _, err := rt.store.Get(ctx, taskID); err != nil {
		return "", fmt.Errorf("task %s: %w", taskID, err)
	}

	finished := make(chan store.Status, 1)
	var once sync.Once
	finish := func(status store.Status) {
		once.Do(func() { finished <- status })
	}

	deliver := func(events []store.Event) error {
		for _, ev := range events {
			show(ev)
			if ev.Type != store.EventCompletion || keep {
				continue
			}
			var body store.CompletionBody
			if err := ev.DecodeBody(&body); err != nil {
				return err
			}
			finish(body.Status)
		}
		return nil
	}

	sub := rt.broker.Observe(ctx, taskID, after, func(events []store.Event, prevErr error) error {
		return deliver(events)
	})
	stop := func() {
		sub.Unsubscribe()
		<-sub.Done()
	}
	defer stop()

	// Cancellation writes no event, and a terminal status can land before
	// its completion event, so poll the row as well.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case status := <-finished:
			return status, nil
		case <-sub.Done():
			return "", nil
		case <-ctx.Done():
			return "", nil
		case <-ticker.C:
			if keep {
				continue
			}
			row, err := rt.store.Get(ctx, taskID)
			if err != nil || !row.Status.IsTerminal() {
				continue
			}
			// Print whatever the subscription has not delivered yet.
			stop()
			if events, err := rt.store.GetEvents(ctx, taskID, sub.Cursor()); err == nil {
				_ = deliver(events)
			}
			select {
			case status := <-finished:
				return status, nil
			default:
				return row.Status, nil
			}
		}
	}
}

// printer renders events one per line.
func printer(w io.Writer, asJSON bool) func(store.Event) {
	var mu sync.Mutex
	return func(ev store.Event) {
		mu.Lock()
		defer mu.Unlock()

		if asJSON {
			data, _ := json.Marshal(ev)
			fmt.Fprintln(w, string(data))
			return
		}

		ts := ev.CreatedAt.UTC().Format("15:04:05.000")
		switch ev.Type {
		case store.EventLog:
			var body store.LogBody
			if ev.DecodeBody(&body) == nil {
				fmt.Fprintf(w, "%4d %s %-10s %s\n", ev.Seq, ts, ev.Type, body.Message)
				return
			}
		case store.EventCompletion:
			var body store.CompletionBody
			if ev.DecodeBody(&body) == nil {
				fmt.Fprintf(w, "%4d %s %-10s %s\n", ev.Seq, ts, ev.Type, body.Status)
				return
			}
		}
		fmt.Fprintf(w, "%4d %s %-10s %s\n", ev.Seq, ts, ev.Type, string(ev.Body))
	}
}
