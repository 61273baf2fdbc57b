package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskbroker/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSweepFixture(t *testing.T) (*store.MemoryStore, *clock) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(c.Now))
	t.Cleanup(func() { st.Close() })
	return st, c
}

func oneStep() store.TaskSpec {
	return store.TaskSpec{Steps: []store.Step{{ID: "s1", Action: "noop"}}}
}

func TestSweeperConfig_Validate(t *testing.T) {
	st := store.NewMemoryStore()

	tests := []struct {
		name    string
		cfg     SweeperConfig
		wantErr bool
	}{
		{"valid", SweeperConfig{Store: st}, false},
		{"missing store", SweeperConfig{}, true},
		{"negative timeout", SweeperConfig{Store: st, Timeout: -1}, true},
		{"negative retries", SweeperConfig{Store: st, MaxRetries: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSweeper_ReportOnly(t *testing.T) {
	st, c := newSweepFixture(t)
	ctx := context.Background()

	id, _ := st.CreateTask(ctx, oneStep())
	row, _ := st.ClaimTask(ctx)
	c.Advance(10 * time.Second)

	s, _ := NewSweeper(SweeperConfig{Store: st, Timeout: 5 * time.Second})
	var seen []string
	s.OnStale(func(task *store.TaskRow) {
		seen = append(seen, task.ID)
	})

	res, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if res.Stale != 1 || res.Requeued != 0 || res.Failed != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(seen) != 1 || seen[0] != id {
		t.Errorf("OnStale saw %v", seen)
	}

	// Still stale, but already reported.
	res, _ = s.Sweep(ctx)
	if res.Stale != 0 || len(seen) != 1 {
		t.Errorf("run %s reported twice", row.RunID)
	}

	got, _ := st.Get(ctx, id)
	if got.Status != store.StatusProcessing {
		t.Errorf("report-only sweep changed status to %s", got.Status)
	}
}

func TestSweeper_RequeueThenFail(t *testing.T) {
	st, c := newSweepFixture(t)
	ctx := context.Background()

	id, _ := st.CreateTask(ctx, oneStep())
	s, _ := NewSweeper(SweeperConfig{
		Store:      st,
		Timeout:    5 * time.Second,
		Requeue:    true,
		MaxRetries: 2,
	})

	for attempt := 0; attempt < 2; attempt++ {
		row, _ := st.ClaimTask(ctx)
		if row == nil || row.ID != id {
			t.Fatalf("attempt %d: expected to reclaim %s, got %+v", attempt, id, row)
		}
		c.Advance(10 * time.Second)

		res, err := s.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep error: %v", err)
		}
		if res.Requeued != 1 {
			t.Fatalf("attempt %d: expected requeue, got %+v", attempt, res)
		}
	}

	row, _ := st.ClaimTask(ctx)
	c.Advance(10 * time.Second)
	res, _ := s.Sweep(ctx)
	if res.Failed != 1 {
		t.Fatalf("expected failure after retries exhausted, got %+v", res)
	}

	got, _ := st.Get(ctx, id)
	if got.Status != store.StatusFailed || got.Retries != 2 {
		t.Errorf("unexpected final row %+v", got)
	}
	if err := st.Heartbeat(ctx, row.RunID); !errors.Is(err, store.ErrStaleRun) {
		t.Errorf("failed run should be fenced, got %v", err)
	}

	events, err := st.GetEvents(ctx, id, 0)
	if err != nil {
		t.Fatalf("GetEvents error: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventCompletion || events[0].RunID != row.RunID {
		t.Fatalf("expected one completion event for the failed run, got %+v", events)
	}
	var body store.CompletionBody
	if err := events[0].DecodeBody(&body); err != nil || body.Status != store.StatusFailed {
		t.Errorf("completion body = %+v (%v), want failed", body, err)
	}
}

func TestSweeper_IgnoresHealthyRuns(t *testing.T) {
	st, c := newSweepFixture(t)
	ctx := context.Background()

	st.CreateTask(ctx, oneStep())
	row, _ := st.ClaimTask(ctx)
	c.Advance(3 * time.Second)
	st.Heartbeat(ctx, row.RunID)
	c.Advance(3 * time.Second)

	s, _ := NewSweeper(SweeperConfig{Store: st, Timeout: 5 * time.Second, Requeue: true})
	res, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if res.Stale != 0 {
		t.Errorf("healthy run swept: %+v", res)
	}
}

// raceStore resolves the run between ListStaleTasks and Requeue.
type raceStore struct {
	*store.MemoryStore
}

func (r raceStore) Requeue(ctx context.Context, runID string) error {
	r.MemoryStore.SetStatus(ctx, runID, store.StatusCompleted)
	return r.MemoryStore.Requeue(ctx, runID)
}

func TestSweeper_LostRaceIsIgnored(t *testing.T) {
	st, c := newSweepFixture(t)
	ctx := context.Background()

	id, _ := st.CreateTask(ctx, oneStep())
	st.ClaimTask(ctx)
	c.Advance(10 * time.Second)

	s, _ := NewSweeper(SweeperConfig{Store: raceStore{st}, Timeout: 5 * time.Second, Requeue: true})
	res, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("lost race should not be an error: %v", err)
	}
	if res.Requeued != 0 {
		t.Errorf("unexpected result %+v", res)
	}

	got, _ := st.Get(ctx, id)
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	st, c := newSweepFixture(t)
	ctx := context.Background()

	st.CreateTask(ctx, oneStep())
	st.ClaimTask(ctx)
	c.Advance(10 * time.Second)

	s, _ := NewSweeper(SweeperConfig{
		Store:         st,
		Timeout:       5 * time.Second,
		CheckInterval: 5 * time.Millisecond,
		Requeue:       true,
	})
	requeued := make(chan string, 1)
	s.OnStale(func(task *store.TaskRow) {
		select {
		case requeued <- task.ID:
		default:
		}
	})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(ctx); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	select {
	case <-requeued:
	case <-time.After(time.Second):
		t.Fatal("sweeper never found the stale task")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := s.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}
