package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/taskbroker/broker"
	"github.com/vinayprograms/taskbroker/store"
)

func claimOne(t *testing.T, a *app, st store.Store, specYAML string) (*runtime, broker.Task) {
	t.Helper()

	rt, err := testRuntime(st, a.cfg, a.logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close() })

	ctx := context.Background()
	if _, err := rt.broker.Dispatch(ctx, mustParse(t, specYAML)); err != nil {
		t.Fatal(err)
	}
	claimCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	task, err := rt.broker.Claim(claimCtx)
	if err != nil {
		t.Fatal(err)
	}
	return rt, task
}

func logMessages(t *testing.T, st store.Store, taskID string) []string {
	t.Helper()
	events, err := st.GetEvents(context.Background(), taskID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, ev := range events {
		if ev.Type != store.EventLog {
			continue
		}
		var body store.LogBody
		if err := ev.DecodeBody(&body); err != nil {
			t.Fatal(err)
		}
		out = append(out, body.Message)
	}
	return out
}

func TestExecute_Completes(t *testing.T) {
	a, st := testApp(t)
	_, task := claimOne(t, a, st, buildSpec)

	status, err := execute(context.Background(), task, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	msgs := logMessages(t, st, task.TaskID())
	want := []string{"step checkout: checked out main", "step build: ok"}
	if len(msgs) != len(want) {
		t.Fatalf("got %q, want %q", msgs, want)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("log %d: got %q, want %q", i, msgs[i], want[i])
		}
	}

	row, _ := st.Get(context.Background(), task.TaskID())
	if row.Status != store.StatusCompleted {
		t.Errorf("expected stored status completed, got %s", row.Status)
	}
}

func TestExecute_FailingSteps(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantLog string
	}{
		{
			name:    "fail action",
			spec:    "steps:\n  - id: deploy\n    action: fail\n    params: {reason: no quota}\n  - id: never\n    action: log\n",
			wantLog: "step deploy failed: no quota",
		},
		{
			name:    "unknown action",
			spec:    "steps:\n  - id: deploy\n    action: teleport\n",
			wantLog: `step deploy: unknown action "teleport"`,
		},
		{
			name:    "bad sleep duration",
			spec:    "steps:\n  - id: wait\n    action: sleep\n    params: {duration: soon}\n",
			wantLog: "step wait failed: duration:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, st := testApp(t)
			_, task := claimOne(t, a, st, tt.spec)

			status, err := execute(context.Background(), task, 0)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if status != store.StatusFailed {
				t.Fatalf("expected failed, got %s", status)
			}
			msgs := logMessages(t, st, task.TaskID())
			if len(msgs) != 1 || !strings.HasPrefix(msgs[0], tt.wantLog) {
				t.Errorf("expected a single log starting %q, got %q", tt.wantLog, msgs)
			}
		})
	}
}

func TestExecute_AbortLeavesTaskProcessing(t *testing.T) {
	a, st := testApp(t)
	_, task := claimOne(t, a, st, "steps:\n  - id: wait\n    action: sleep\n    params: {duration: 1h}\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := execute(ctx, task, 0)
	if !errors.Is(err, errAborted) {
		t.Fatalf("expected errAborted, got %v", err)
	}
	row, _ := st.Get(context.Background(), task.TaskID())
	if row.Status != store.StatusProcessing {
		t.Errorf("expected task to stay processing, got %s", row.Status)
	}
}
