package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/taskbroker/broker"
	"github.com/vinayprograms/taskbroker/config"
	"github.com/vinayprograms/taskbroker/logging"
	"github.com/vinayprograms/taskbroker/store"
)

// testApp returns an app whose commands share one in-memory store, so a
// dispatch in one invocation is visible to the next.
func testApp(t *testing.T) (*app, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	cfg := config.Default()
	cfg.Broker.ClaimInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Broker.ObserveInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Broker.HeartbeatInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Sweeper.Timeout = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Sweeper.CheckInterval = config.Duration{Duration: 5 * time.Millisecond}

	a := &app{cfg: cfg, logger: logging.Discard()}
	a.open = func(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*runtime, error) {
		return testRuntime(st, cfg, logger)
	}
	return a, st
}

func testRuntime(st store.Store, cfg *config.Config, logger *logging.Logger) (*runtime, error) {
	brk, err := broker.New(st,
		broker.WithClaimInterval(cfg.Broker.ClaimInterval.Duration),
		broker.WithObserveInterval(cfg.Broker.ObserveInterval.Duration),
		broker.WithHeartbeatInterval(cfg.Broker.HeartbeatInterval.Duration),
		broker.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return &runtime{store: st, broker: brk}, nil
}

// runCmd executes the CLI with args and returns what it wrote to stdout.
func runCmd(t *testing.T, a *app, stdin string, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

const buildSpec = `steps:
  - id: checkout
    name: Checkout
    action: log
    params:
      message: checked out main
  - id: build
    action: log
`

func mustParse(t *testing.T, yamlText string) store.TaskSpec {
	t.Helper()
	spec, err := parseSpec([]byte(yamlText))
	if err != nil {
		t.Fatalf("parseSpec: %v", err)
	}
	return spec
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
