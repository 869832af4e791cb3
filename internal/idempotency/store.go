// Package idempotency lets clients retry mutating HTTP calls safely: a
// repeated Idempotency-Key replays the first response instead of mutating again.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Response is a recorded HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// State is the outcome of a reservation attempt.
type State int

const (
	// Reserved means the caller owns the key and must Complete or Release it.
	Reserved State = iota
	// InFlight means another request holds the key and has not finished.
	InFlight
	// Replay means the key completed; the stored response is returned.
	Replay
)

// Store persists key reservations and completed responses.
type Store interface {
	// Reserve claims key for lockTTL, or reports its current state.
	Reserve(ctx context.Context, key string, lockTTL time.Duration) (State, *Response, error)
	// Complete stores resp under key for ttl.
	Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error
	// Release drops a reservation so the key can be retried.
	Release(ctx context.Context, key string) error
}

type entry struct {
	resp    *Response
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), now: time.Now}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, lockTTL time.Duration) (State, *Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		if e.resp != nil {
			cp := *e.resp
			return Replay, &cp, nil
		}
		return InFlight, nil, nil
	}
	m.entries[key] = entry{expires: now.Add(lockTTL)}
	m.sweep(now)
	return Reserved, nil, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, resp Response, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{resp: &resp, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// sweep drops expired entries. Called with mu held.
func (m *MemoryStore) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
