package state

import (
	"context"
	"errors"
	"strings"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrExists     = errors.New("key already exists")
	ErrConflict   = errors.New("revision conflict")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
)

// maxKeyLen matches the NATS subject limit the KV backend inherits.
const maxKeyLen = 1024

// Entry is a value together with the revision it was written at.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// StateStore is a revisioned key-value store. Writers coordinate through
// Create and Update instead of locks: a write based on a stale read fails
// and the caller re-reads.
type StateStore interface {
	// Get returns the current entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Create writes value only if key is absent, else ErrExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes value only if key is still at revision, else ErrConflict.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the store. Calls after Close return ErrClosed.
	Close() error
}

// ValidateKey rejects keys the NATS backend cannot carry: empty, too long,
// containing whitespace or wildcards, or with empty dot-separated tokens.
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLen {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\r\n*>") {
		return ErrInvalidKey
	}
	for _, token := range strings.Split(key, ".") {
		if token == "" {
			return ErrInvalidKey
		}
	}
	return nil
}
