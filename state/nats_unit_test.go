package state

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func TestDefaultNATSStoreConfig(t *testing.T) {
	cfg := DefaultNATSStoreConfig()

	if cfg.Bucket != "taskbroker" {
		t.Errorf("expected bucket 'taskbroker', got %s", cfg.Bucket)
	}
	if cfg.Replicas != 1 {
		t.Errorf("expected 1 replica, got %d", cfg.Replicas)
	}
	if cfg.OpTimeout != 5*time.Second {
		t.Errorf("expected op timeout 5s, got %v", cfg.OpTimeout)
	}
}

func TestNATSStoreConfig_WithDefaults(t *testing.T) {
	cfg := NATSStoreConfig{Bucket: "custom", OpTimeout: time.Second}.withDefaults()

	if cfg.Bucket != "custom" || cfg.OpTimeout != time.Second {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
	if cfg.Replicas != 1 || cfg.MaxValueSize != 1024*1024 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestNewNATSStore_NilConn(t *testing.T) {
	_, err := NewNATSStore(NATSStoreConfig{Bucket: "test"})
	if err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestNATSStore_ValidationBeforeIO(t *testing.T) {
	// Validation runs before the KV handle is touched.
	ctx := context.Background()
	s := &NATSStore{config: DefaultNATSStoreConfig()}

	if _, err := s.Get(ctx, ""); err != ErrInvalidKey {
		t.Errorf("Get: expected ErrInvalidKey, got %v", err)
	}
	if _, err := s.Update(ctx, "a..b", nil, 1); err != ErrInvalidKey {
		t.Errorf("Update: expected ErrInvalidKey, got %v", err)
	}

	s.Close()
	if _, err := s.Get(ctx, "k"); err != ErrClosed {
		t.Errorf("Get after close: expected ErrClosed, got %v", err)
	}
	if _, err := s.Keys(ctx, ""); err != ErrClosed {
		t.Errorf("Keys after close: expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be nil, got %v", err)
	}
}

func TestIsWrongRevision(t *testing.T) {
	wrong := &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}
	if !isWrongRevision(fmt.Errorf("update: %w", wrong)) {
		t.Error("expected wrapped wrong-sequence error to match")
	}
	if isWrongRevision(errors.New("connection closed")) {
		t.Error("plain errors should not match")
	}
}
