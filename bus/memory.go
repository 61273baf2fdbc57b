package bus

import (
	"sync"
)

// MemoryBus fans notifications out to in-process subscribers. Patterns are
// matched on every publish, which is fine for the handful of subscriptions a
// broker holds.
type MemoryBus struct {
	bufferSize int

	mu     sync.Mutex
	subs   map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	ch      chan *Message
	dropped int
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		bufferSize: cfg.BufferSize,
		subs:       make(map[*memorySub]struct{}),
	}
}

// Publish delivers to every matching subscription without blocking.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	// Held across delivery so Unsubscribe cannot close a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs {
		if !Match(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- &Message{Subject: subject, Data: data}:
		default:
			sub.dropped++
		}
	}
	return nil
}

// Subscribe registers interest in a subject pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		bus:     b,
		pattern: pattern,
		ch:      make(chan *Message, b.bufferSize),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Dropped returns how many notifications sub lost to a full buffer.
func (b *MemoryBus) Dropped(sub Subscription) int {
	s, ok := sub.(*memorySub)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.dropped
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	// Gone already, by an earlier call or by Close.
	if _, ok := s.bus.subs[s]; !ok {
		return nil
	}
	delete(s.bus.subs, s)
	close(s.ch)
	return nil
}

var _ MessageBus = (*MemoryBus)(nil)
