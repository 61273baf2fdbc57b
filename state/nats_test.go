//go:build integration

package state

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nats-io/nats.go"
)

func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

func newTestNATSStore(t *testing.T, bucket string) *NATSStore {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	store, err := NewNATSStore(NATSStoreConfig{
		Conn:   conn,
		Bucket: bucket,
	})
	if err != nil {
		conn.Close()
		t.Fatalf("NewNATSStore failed: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		conn.Close()
	})
	return store
}

func TestNATSStore_PutGetKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t, "test-putget")

	rev, err := s.Put(ctx, "broker.task.a", []byte("1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(ctx, "broker.task.a")
	if err != nil || string(got.Value) != "1" || got.Revision != rev {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	keys, err := s.Keys(ctx, "broker.task.")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) == 0 {
		t.Error("expected at least one key")
	}
}

func TestNATSStore_KeysByPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t, "test-keys-prefix")

	for _, key := range []string{"broker.event.t1.1", "broker.event.t1.2", "broker.event.t2.1", "broker.task.t1"} {
		if _, err := s.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}
	s.Delete(ctx, "broker.event.t1.2")

	keys, err := s.Keys(ctx, "broker.event.t1.")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "broker.event.t1.1" {
		t.Errorf("Keys(broker.event.t1.) = %v", keys)
	}

	keys, err = s.Keys(ctx, "broker.queue.")
	if err != nil || len(keys) != 0 {
		t.Errorf("Keys on an empty prefix = %v, %v", keys, err)
	}
}

func TestNATSStore_CreateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t, "test-create")
	s.Delete(ctx, "broker.event.t1.1")

	if _, err := s.Create(ctx, "broker.event.t1.1", []byte("a")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Create(ctx, "broker.event.t1.1", []byte("b")); err != ErrExists {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if err := s.Delete(ctx, "broker.event.t1.1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "broker.event.t1.1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestNATSStore_UpdateRace(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t, "test-update")

	rev, err := s.Put(ctx, "broker.task.race", []byte("open"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "broker.task.race", []byte("claimed"), rev); err == nil {
				wins.Add(1)
			} else if err != ErrConflict {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}
