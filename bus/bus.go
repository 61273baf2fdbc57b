package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is one notification. Brokers publish empty or tiny payloads; the
// subject alone says what changed.
type Message struct {
	Subject string
	Data    []byte
}

// MessageBus broadcasts best-effort notifications between broker processes.
// Delivery is at-most-once: a slow subscriber drops messages rather than
// blocking publishers, so the store remains the source of truth.
type MessageBus interface {
	// Publish sends data to every subscription whose pattern matches the
	// literal subject.
	Publish(subject string, data []byte) error

	// Subscribe listens on a subject pattern. A "*" token matches one
	// token and a trailing ">" matches one or more.
	Subscribe(pattern string) (Subscription, error)

	// Close shuts down the bus and ends every subscription.
	Close() error
}

// Subscription is a live interest in a subject pattern.
type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe ends the subscription. Repeated calls are no-ops.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 64
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 64,
	}
}

// ValidateSubject accepts literal subjects only, the kind Publish takes.
func ValidateSubject(subject string) error {
	return validate(subject, false)
}

// ValidatePattern accepts subjects that may contain wildcards.
func ValidatePattern(pattern string) error {
	return validate(pattern, true)
}

func validate(subject string, wildcards bool) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return ErrInvalidSubject
		case tok == "*" || tok == ">":
			if !wildcards || (tok == ">" && i != len(tokens)-1) {
				return ErrInvalidSubject
			}
		case strings.ContainsAny(tok, "*>"):
			return ErrInvalidSubject
		}
	}
	return nil
}

// Match reports whether a literal subject falls under pattern, with the
// same wildcard rules as NATS.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) || (p != "*" && p != st[i]) {
			return false
		}
	}
	return len(pt) == len(st)
}

// DispatchSubject is where brokers announce new work under a prefix.
func DispatchSubject(prefix string) string {
	return prefix + ".dispatch"
}

// EventSubject is where brokers announce new events of one task.
func EventSubject(prefix, taskID string) string {
	return prefix + ".events." + taskID
}

// AllEventsSubject matches the event subject of every task under prefix.
func AllEventsSubject(prefix string) string {
	return prefix + ".events.*"
}

// TaskIDFromSubject recovers the task id from an event subject, or "" when
// subject is not one.
func TaskIDFromSubject(prefix, subject string) string {
	id, ok := strings.CutPrefix(subject, prefix+".events.")
	if !ok || id == "" || strings.Contains(id, ".") {
		return ""
	}
	return id
}
