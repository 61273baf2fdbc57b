package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/taskbroker/store"
)

// taskView is the YAML shape printed by status.
type taskView struct {
	ID            string         `yaml:"id"`
	Status        store.Status   `yaml:"status"`
	RunID         string         `yaml:"run_id,omitempty"`
	Workspace     string         `yaml:"workspace,omitempty"`
	Retries       int            `yaml:"retries"`
	CreatedAt     time.Time      `yaml:"created_at"`
	LastHeartbeat *time.Time     `yaml:"last_heartbeat,omitempty"`
	Spec          store.TaskSpec `yaml:"spec"`
	Events        []eventView    `yaml:"events,omitempty"`
}

type eventView struct {
	Seq     int64           `yaml:"seq"`
	RunID   string          `yaml:"run_id,omitempty"`
	Type    store.EventType `yaml:"type"`
	Message string          `yaml:"message,omitempty"`
	Status  store.Status    `yaml:"status,omitempty"`
}

func newTaskView(row *store.TaskRow, events []store.Event) taskView {
	v := taskView{
		ID:            row.ID,
		Status:        row.Status,
		RunID:         row.RunID,
		Retries:       row.Retries,
		CreatedAt:     row.CreatedAt.UTC(),
		LastHeartbeat: row.LastHeartbeat,
		Spec:          row.Spec,
	}
	if row.RunID != "" {
		v.Workspace = row.ID + "_" + row.RunID
	}
	for _, ev := range events {
		e := eventView{Seq: ev.Seq, RunID: ev.RunID, Type: ev.Type}
		switch ev.Type {
		case store.EventLog:
			var body store.LogBody
			if ev.DecodeBody(&body) == nil {
				e.Message = body.Message
			}
		case store.EventCompletion:
			var body store.CompletionBody
			if ev.DecodeBody(&body) == nil {
				e.Status = body.Status
			}
		}
		v.Events = append(v.Events, e)
	}
	return v
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newStatusCmd(a *app) *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Print a task's state as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				row, err := rt.store.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("task %s: %w", args[0], err)
				}
				var events []store.Event
				if withEvents {
					events, err = rt.store.GetEvents(cmd.Context(), row.ID, 0)
					if err != nil {
						return fmt.Errorf("events of %s: %w", row.ID, err)
					}
				}
				return writeYAML(cmd.OutOrStdout(), newTaskView(row, events))
			})
		},
	}

	cmd.Flags().BoolVarP(&withEvents, "events", "e", false, "include the event log")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an unfinished task",
		Long: `Mark an open or processing task cancelled. A run in progress finds out
on its next heartbeat or status write, which fail as stale.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.store.Cancel(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("cancel %s: %w", args[0], err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled", args[0])
				return nil
			})
		},
	}
}
