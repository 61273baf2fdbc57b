package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/taskbroker/broker"
	"github.com/vinayprograms/taskbroker/store"
)

// errAborted marks a run abandoned by shutdown. The task is left
// processing so its heartbeat goes stale and a sweeper reclaims it.
var errAborted = errors.New("run aborted")

// action runs one step and returns a line for the task log.
type action func(ctx context.Context, step store.Step) (string, error)

// actions are the step actions the built-in worker understands.
var actions = map[string]action{
	"log":   logAction,
	"sleep": sleepAction,
	"fail":  failAction,
}

func logAction(_ context.Context, step store.Step) (string, error) {
	if msg, ok := step.Params["message"].(string); ok {
		return msg, nil
	}
	if step.Name != "" {
		return step.Name, nil
	}
	return "ok", nil
}

func sleepAction(ctx context.Context, step store.Step) (string, error) {
	raw, _ := step.Params["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return "", fmt.Errorf("duration: %w", err)
	}
	select {
	case <-time.After(d):
		return fmt.Sprintf("slept %s", d), nil
	case <-ctx.Done():
		return "", errAborted
	}
}

func failAction(_ context.Context, step store.Step) (string, error) {
	reason, _ := step.Params["reason"].(string)
	if reason == "" {
		reason = "requested"
	}
	return "", errors.New(reason)
}

// execute runs the task's steps in order, logging each one, and completes
// the task with the outcome. A cancelled ctx abandons the run without
// completing it.
func execute(ctx context.Context, task broker.Task, stepDelay time.Duration) (store.Status, error) {
	status := store.StatusCompleted
	for _, step := range task.Spec().Steps {
		if ctx.Err() != nil {
			return "", errAborted
		}

		run, ok := actions[step.Action]
		if !ok {
			if err := task.EmitLog(ctx, fmt.Sprintf("step %s: unknown action %q", step.ID, step.Action)); err != nil {
				return "", err
			}
			status = store.StatusFailed
			break
		}

		out, err := run(ctx, step)
		if errors.Is(err, errAborted) {
			return "", err
		}
		if err != nil {
			if lerr := task.EmitLog(ctx, fmt.Sprintf("step %s failed: %v", step.ID, err)); lerr != nil {
				return "", lerr
			}
			status = store.StatusFailed
			break
		}
		if err := task.EmitLog(ctx, fmt.Sprintf("step %s: %s", step.ID, out)); err != nil {
			return "", err
		}

		if stepDelay > 0 {
			select {
			case <-time.After(stepDelay):
			case <-ctx.Done():
				return "", errAborted
			}
		}
	}

	// Completion must land even if shutdown starts now.
	if err := task.Complete(context.WithoutCancel(ctx), status); err != nil {
		return "", err
	}
	return status, nil
}
