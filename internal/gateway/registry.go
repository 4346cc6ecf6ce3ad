package gateway

import (
	"sort"
	"sync"
)

// Registry tracks which doctors currently hold at least one connection.
type Registry interface {
	Add(doctorID int64)
	Remove(doctorID int64)
	IsConnected(doctorID int64) bool
	Connected() []int64
}

// MemoryRegistry counts connections per doctor so that closing one tab
// keeps a doctor with other open tabs connected.
type MemoryRegistry struct {
	mu    sync.RWMutex
	conns map[int64]int
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[int64]int)}
}

func (r *MemoryRegistry) Add(doctorID int64) {
	r.mu.Lock()
	r.conns[doctorID]++
	r.mu.Unlock()
}

func (r *MemoryRegistry) Remove(doctorID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[doctorID] <= 1 {
		delete(r.conns, doctorID)
		return
	}
	r.conns[doctorID]--
}

func (r *MemoryRegistry) IsConnected(doctorID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[doctorID] > 0
}

// Connected returns the connected doctor ids in ascending order.
func (r *MemoryRegistry) Connected() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
