// Package status keeps the latest tunnel status where status pages and other
// processes can read it: in memory for a single process, or in Redis so a
// fleet of clients can be watched from one place.
package status

import (
	"context"
	"sync"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/tunnel"
)

// Store persists the latest status per tunnel name.
type Store interface {
	Publish(ctx context.Context, st tunnel.Status) error
	Get(ctx context.Context, name string) (tunnel.Status, bool, error)
	Close() error
}

// New returns a Redis-backed store when redisAddr is set, otherwise an
// in-memory one.
func New(redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("status.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("status.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	rs, err := NewRedisStore(redisAddr, redisPassword, redisDB)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

type memoryStore struct {
	mu     sync.Mutex
	latest map[string]tunnel.Status
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store {
	return &memoryStore{latest: make(map[string]tunnel.Status)}
}

func (m *memoryStore) Publish(_ context.Context, st tunnel.Status) error {
	m.mu.Lock()
	m.latest[st.Tunnel] = st
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, name string) (tunnel.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.latest[name]
	return st, ok, nil
}

func (m *memoryStore) Close() error { return nil }
