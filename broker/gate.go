package broker

import "sync"

// gate is a broadcast-once signal. Every Release wakes all holders of the
// previous channel and installs a fresh one for later waiters.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

// Wait returns the current channel. Capture it before checking for work;
// a Release after capture closes the captured channel.
func (g *gate) Wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Release wakes every current waiter.
func (g *gate) Release() {
	g.mu.Lock()
	close(g.ch)
	g.ch = make(chan struct{})
	g.mu.Unlock()
}
