package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/taskbroker/store"
)

var errBackend = errors.New("backend down")

func twoSteps() store.TaskSpec {
	return store.TaskSpec{Steps: []store.Step{
		{ID: "s1", Name: "checkout", Action: "git.clone", Params: map[string]interface{}{"ref": "main"}},
		{ID: "s2", Name: "build", Action: "make"},
	}}
}

func sequence(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// newTestBroker returns a broker over a fresh MemoryStore with fast intervals.
func newTestBroker(t testing.TB, st store.Store, opts ...Option) *Broker {
	if st == nil {
		mem := store.NewMemoryStore()
		t.Cleanup(func() { mem.Close() })
		st = mem
	}
	base := []Option{
		WithClaimInterval(0),
		WithObserveInterval(2 * time.Millisecond),
		WithHeartbeatInterval(5 * time.Millisecond),
	}
	b, err := New(st, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// hookStore runs afterEmpty once an empty ClaimTask has returned from the
// wrapped store but before the broker sees the result.
type hookStore struct {
	store.Store
	afterEmpty func()
	once       sync.Once
}

func (h *hookStore) ClaimTask(ctx context.Context) (*store.TaskRow, error) {
	row, err := h.Store.ClaimTask(ctx)
	if err == nil && row == nil && h.afterEmpty != nil {
		h.once.Do(h.afterEmpty)
	}
	return row, err
}

// beatStore records heartbeat times.
type beatStore struct {
	store.Store
	mu    sync.Mutex
	beats []time.Time
}

func (s *beatStore) Heartbeat(ctx context.Context, runID string) error {
	s.mu.Lock()
	s.beats = append(s.beats, time.Now())
	s.mu.Unlock()
	return s.Store.Heartbeat(ctx, runID)
}

func (s *beatStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.beats)
}

// faultStore fails selected calls a fixed number of times.
type faultStore struct {
	store.Store
	claimErr        error
	getEventsFails  atomic.Int32
	completionFails atomic.Int32
	setStatusFails  atomic.Int32
}

func (f *faultStore) ClaimTask(ctx context.Context) (*store.TaskRow, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.Store.ClaimTask(ctx)
}

func (f *faultStore) GetEvents(ctx context.Context, taskID string, after int64) ([]store.Event, error) {
	if f.getEventsFails.Add(-1) >= 0 {
		return nil, errBackend
	}
	return f.Store.GetEvents(ctx, taskID, after)
}

func (f *faultStore) SetStatus(ctx context.Context, runID string, status store.Status) error {
	if f.setStatusFails.Add(-1) >= 0 {
		return errBackend
	}
	return f.Store.SetStatus(ctx, runID, status)
}

func (f *faultStore) Emit(ctx context.Context, in store.EventInput) (*store.Event, error) {
	if in.Type == store.EventCompletion && f.completionFails.Add(-1) >= 0 {
		return nil, errBackend
	}
	return f.Store.Emit(ctx, in)
}

// claimAsync runs Claim in a goroutine.
func claimAsync(ctx context.Context, b *Broker) <-chan claimResult {
	ch := make(chan claimResult, 1)
	go func() {
		task, err := b.Claim(ctx)
		ch <- claimResult{task, err}
	}()
	return ch
}

type claimResult struct {
	task Task
	err  error
}

func waitClaim(t testing.TB, ch <-chan claimResult) Task {
	t.Helper()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("Claim error: %v", res.err)
		}
		return res.task
	case <-time.After(2 * time.Second):
		t.Fatal("Claim did not return")
		return nil
	}
}

// collector gathers delivered events.
type collector struct {
	mu     sync.Mutex
	events []store.Event
	calls  int
	errs   []error
}

func (c *collector) handle(events []store.Event, prevErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.events = append(c.events, events...)
	c.errs = append(c.errs, prevErr)
	return nil
}

func (c *collector) snapshot() []store.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.Event(nil), c.events...)
}

func (c *collector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}
