// Package kvstore provides a small TTL key-value capability used for
// short-lived handshake state (OAuth authorize/PKCE verifiers). Two
// implementations exist: an in-memory map for tests and single-process use,
// and a store-backed one that survives restarts.
package kvstore

import (
	"context"
	"sync"
	"time"

	"xpilot/internal/clock"
	"xpilot/internal/storage"
)

// KV is a key-value store with per-entry expiry.
type KV interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns ok=false for a missing or expired key.
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

type memEntry struct {
	value   string
	expires time.Time
}

// Memory is an in-process KV. Expired entries are dropped on read.
type Memory struct {
	clk clock.Clock

	mu sync.Mutex
	m  map[string]memEntry
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System()
	}
	return &Memory{clk: clk, m: make(map[string]memEntry)}
}

func (s *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = memEntry{value: value, expires: s.clk.Now().Add(ttl)}
	return nil
}

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return "", false, nil
	}
	if !s.clk.Now().Before(e.expires) {
		delete(s.m, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Durable persists entries through the storage layer.
type Durable struct {
	store *storage.Store
	clk   clock.Clock
}

func NewDurable(store *storage.Store, clk clock.Clock) *Durable {
	if clk == nil {
		clk = clock.System()
	}
	return &Durable{store: store, clk: clk}
}

func (s *Durable) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.store.KVPut(ctx, key, value, s.clk.Now().Add(ttl))
}

func (s *Durable) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.KVGet(ctx, key, s.clk.Now())
}

func (s *Durable) Delete(ctx context.Context, key string) error {
	return s.store.KVDelete(ctx, key)
}
