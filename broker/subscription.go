package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskbroker/bus"
	"github.com/vinayprograms/taskbroker/errors"
	"github.com/vinayprograms/taskbroker/store"
)

// Handler receives each non-empty batch of events in sequence order.
// prevErr is the error (or recovered panic) of the previous invocation,
// nil if it succeeded. A handler failure never stops the subscription.
type Handler func(events []store.Event, prevErr error) error

// Subscription is a running Observe loop.
type Subscription struct {
	taskID string
	cursor atomic.Int64

	mu        sync.Mutex
	idle      *sync.Cond
	cancelled bool
	starting  bool // a handler call passed the cancelled check but has not begun
	cancel    context.CancelFunc
	done      chan struct{}
}

func newSubscription(ctx context.Context, b *Broker, taskID string, after int64, handler Handler) *Subscription {
	if after < 0 {
		after = 0
	}
	ctx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		taskID: taskID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.idle = sync.NewCond(&s.mu)
	s.cursor.Store(after)

	var nudge bus.Subscription
	if b.opts.bus != nil {
		sub, err := b.opts.bus.Subscribe(bus.EventSubject(b.opts.busPrefix, taskID))
		if err != nil {
			// Polling alone still delivers everything.
			b.logger.SubscriptionError(taskID, after, err)
		} else {
			nudge = sub
		}
	}

	go s.run(ctx, b, handler, nudge)
	return s
}

// Unsubscribe stops the subscription. No handler invocation starts after
// Unsubscribe returns; one already running is not interrupted. Safe to
// call from inside the handler and more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	s.cancelled = true
	for s.starting {
		s.idle.Wait()
	}
	s.mu.Unlock()
	s.cancel()
}

// Done is closed once the polling loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cursor returns the sequence number of the last delivered event.
func (s *Subscription) Cursor() int64 {
	return s.cursor.Load()
}

// TaskID returns the observed task.
func (s *Subscription) TaskID() string {
	return s.taskID
}

func (s *Subscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// begin reserves the next handler call. It fails once Unsubscribe has run;
// otherwise Unsubscribe waits until invoke has handed over to the handler.
func (s *Subscription) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.starting = true
	return true
}

func (s *Subscription) run(ctx context.Context, b *Broker, handler Handler, nudge bus.Subscription) {
	defer close(s.done)

	var nudges <-chan *bus.Message
	if nudge != nil {
		defer nudge.Unsubscribe()
		nudges = nudge.Messages()
	}

	timer := time.NewTimer(b.opts.observeInterval)
	defer timer.Stop()

	var prevErr error
	for {
		if s.isCancelled() || ctx.Err() != nil {
			return
		}

		// Capture before fetching so an emit during the fetch wakes us.
		wake := b.events.Wait()

		cursor := s.cursor.Load()
		events, err := b.store.GetEvents(ctx, s.taskID, cursor)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			b.logger.SubscriptionError(s.taskID, cursor, err)
		case len(events) > 0:
			if !s.begin() {
				return
			}
			s.cursor.Store(events[len(events)-1].Seq)
			prevErr = s.invoke(handler, events, prevErr)
			if prevErr != nil {
				b.logger.SubscriptionError(s.taskID, cursor, prevErr)
			}
		}

		timer.Reset(b.opts.observeInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-wake:
		case _, ok := <-nudges:
			if !ok {
				nudges = nil
			}
		}
	}
}

// invoke calls the handler, turning a panic into the error handed to the
// next invocation. The caller must hold a reservation from begin.
func (s *Subscription) invoke(handler Handler, events []store.Event, prevErr error) (err error) {
	s.mu.Lock()
	s.starting = false
	s.idle.Broadcast()
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return handler(events, prevErr)
}
