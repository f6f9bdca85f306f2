package persistence

import (
	"context"
	"sync"
)

// MemoryStore keeps update logs in process memory. It is the default store
// and the one used in tests; nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string][]Record
	seqs   map[string]int64
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]Record),
		seqs: make(map[string]int64),
	}
}

// Connect implements UpdateStore.
func (m *MemoryStore) Connect(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Load implements UpdateStore.
func (m *MemoryStore) Load(ctx context.Context, id string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	log := m.logs[id]
	if len(log) == 0 {
		return nil, nil
	}
	out := make([]Record, len(log))
	for i, r := range log {
		out[i] = Record{Seq: r.Seq, Update: cloneBytes(r.Update)}
	}
	return out, nil
}

// Append implements UpdateStore.
func (m *MemoryStore) Append(ctx context.Context, id string, update []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	m.seqs[id]++
	seq := m.seqs[id]
	m.logs[id] = append(m.logs[id], Record{Seq: seq, Update: cloneBytes(update)})
	return seq, nil
}

// Compact implements UpdateStore.
func (m *MemoryStore) Compact(ctx context.Context, id string, merged []byte, through int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	log := []Record{{Seq: through, Update: cloneBytes(merged)}}
	for _, r := range m.logs[id] {
		if r.Seq > through {
			log = append(log, r)
		}
	}
	m.logs[id] = log
	if m.seqs[id] < through {
		m.seqs[id] = through
	}
	return nil
}

// Close implements UpdateStore.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.logs = make(map[string][]Record)
	return nil
}

// Len returns the number of records stored for id.
func (m *MemoryStore) Len(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs[id])
}
