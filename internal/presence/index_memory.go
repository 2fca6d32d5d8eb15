package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryIndex is a single-process Index. Several fabrics sharing one
// MemoryIndex behave like nodes sharing a Redis instance.
type MemoryIndex struct {
	mu     sync.Mutex
	counts map[string]map[string]int // user -> node -> channels
	alive  map[string]time.Time      // node -> liveness expiry
	now    func() time.Time
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		counts: make(map[string]map[string]int),
		alive:  make(map[string]time.Time),
		now:    time.Now,
	}
}

func (m *MemoryIndex) Add(_ context.Context, userID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := m.counts[userID]
	if nodes == nil {
		nodes = make(map[string]int)
		m.counts[userID] = nodes
	}
	nodes[nodeID]++
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, userID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := m.counts[userID]
	if nodes == nil {
		return nil
	}
	nodes[nodeID]--
	if nodes[nodeID] <= 0 {
		delete(nodes, nodeID)
	}
	if len(nodes) == 0 {
		delete(m.counts, userID)
	}
	return nil
}

func (m *MemoryIndex) Online(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	nodes := m.counts[userID]
	online := false
	for nodeID, count := range nodes {
		if !now.Before(m.alive[nodeID]) {
			// Dead node: its entries would never be withdrawn otherwise.
			delete(nodes, nodeID)
			continue
		}
		if count > 0 {
			online = true
		}
	}
	if len(nodes) == 0 {
		delete(m.counts, userID)
	}
	return online, nil
}

func (m *MemoryIndex) Heartbeat(_ context.Context, nodeID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	lapsed := !now.Before(m.alive[nodeID])
	m.alive[nodeID] = now.Add(ttl)
	return lapsed, nil
}

func (m *MemoryIndex) ResetNode(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, nodes := range m.counts {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(m.counts, userID)
		}
	}
	delete(m.alive, nodeID)
	return nil
}
