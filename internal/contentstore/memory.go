package contentstore

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

// Memory is an in-process store. With a propagation lag, new content only
// becomes visible to Get and Exists after the lag has elapsed, which mimics a
// distributed content network.
type Memory struct {
	mu        sync.RWMutex
	blobs     map[string][]byte
	visibleAt map[string]time.Time
	lag       time.Duration
	now       func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithPropagationLag delays visibility of newly stored content.
func WithPropagationLag(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.lag = d
	}
}

// WithNow overrides the clock used for propagation lag.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		blobs:     make(map[string][]byte),
		visibleAt: make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Put stores a private copy of data. Storing existing content is a no-op
// and does not reset its visibility.
func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.Transient("memory.put", err)
	}
	id := record.ContentID(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; ok {
		return id, nil
	}
	m.blobs[id] = append([]byte(nil), data...)
	m.visibleAt[id] = m.now().Add(m.lag)
	return id, nil
}

// Get returns a copy of the stored bytes.
func (m *Memory) Get(ctx context.Context, id string) ([]byte, error) {
	if err := checkID("memory.get", id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.visibleLocked(id) {
		return nil, fault.NotFound("memory.get", "content %s not found", id)
	}
	return append([]byte(nil), m.blobs[id]...), nil
}

// Exists reports whether id is visible.
func (m *Memory) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkID("memory.exists", id); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, fault.Transient("memory.exists", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.visibleLocked(id), nil
}

// Len returns the number of distinct blobs stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

func (m *Memory) visibleLocked(id string) bool {
	at, ok := m.visibleAt[id]
	return ok && !m.now().Before(at)
}
