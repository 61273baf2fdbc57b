package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newDispatchCmd(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "dispatch <spec.yaml|->",
		Short: "Persist a new task and print its id",
		Example: `  # Dispatch from a file
  taskbroker dispatch build.yaml

  # Dispatch from stdin and follow the task until it completes
  cat build.yaml | taskbroker dispatch --watch -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readSpec(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			rt, err := a.open(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}

			if !watch {
				taskID, err := rt.broker.Dispatch(cmd.Context(), spec)
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), taskID)
				}
				if cerr := rt.Close(); cerr != nil && err == nil {
					err = cerr
				}
				return err
			}

			return a.serve(cmd.Context(), rt, nil, func(ctx context.Context) error {
				taskID, err := rt.broker.Dispatch(ctx, spec)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), taskID)
				_, err = follow(ctx, rt, taskID, 0, false, printer(cmd.OutOrStdout(), false))
				return err
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the task's events until it completes")
	return cmd
}
