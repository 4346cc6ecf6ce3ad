package doctor

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-memory Directory used by tests and local tooling.
type MemoryDirectory struct {
	mu      sync.RWMutex
	doctors map[int64]*Doctor
}

func NewMemoryDirectory(doctors ...*Doctor) *MemoryDirectory {
	m := &MemoryDirectory{doctors: make(map[int64]*Doctor)}
	for _, d := range doctors {
		m.Put(d)
	}
	return m
}

// Put adds or replaces a doctor.
func (m *MemoryDirectory) Put(d *Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = d
}

func (m *MemoryDirectory) GetByID(_ context.Context, id int64) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[id]
	if !ok || !d.IsActive {
		return nil, ErrNotFound
	}
	cp := *d
	cp.Hospitals = append([]string(nil), d.Hospitals...)
	return &cp, nil
}
