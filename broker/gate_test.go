package broker

import (
	"sync"
	"testing"
	"time"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestGate_ReleaseWakesCapturedWaiters(t *testing.T) {
	g := newGate()

	first := g.Wait()
	second := g.Wait()
	if closed(first) || closed(second) {
		t.Fatal("fresh gate should be armed")
	}

	g.Release()

	if !closed(first) || !closed(second) {
		t.Error("release should wake every captured waiter")
	}
}

func TestGate_RearmsAfterRelease(t *testing.T) {
	g := newGate()
	before := g.Wait()
	g.Release()

	after := g.Wait()
	if closed(after) {
		t.Error("waiter captured after release must wait for the next release")
	}
	if before == after {
		t.Error("release should install a fresh channel")
	}

	g.Release()
	if !closed(after) {
		t.Error("second release should wake the second waiter")
	}
}

// A release between capture and select must still wake the waiter.
func TestGate_ReleaseBetweenCaptureAndWait(t *testing.T) {
	g := newGate()
	wake := g.Wait()

	g.Release()

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("signal lost between capture and wait")
	}
}

func TestGate_ConcurrentRelease(t *testing.T) {
	g := newGate()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Release()
		}()
		go func() {
			defer wg.Done()
			<-g.Wait()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Waiters that captured after the last release need one more.
	for {
		select {
		case <-done:
			return
		case <-time.After(time.Millisecond):
			g.Release()
		}
	}
}
