package codegen

import (
	"sort"
	"sync"
)

// Memo is a set of keys. The coordinator keeps two: keys generated or in
// flight, and keys generated but not yet shipped.
type Memo interface {
	Contains(k Key) (bool, error)
	// Add reports whether k was absent.
	Add(k Key) (bool, error)
	Remove(k Key) error
	Keys() ([]Key, error)
}

// MemoryMemo is a process-local Memo.
type MemoryMemo struct {
	mu   sync.Mutex
	keys map[Key]struct{}
}

// NewMemoryMemo returns an empty memo.
func NewMemoryMemo() *MemoryMemo {
	return &MemoryMemo{keys: make(map[Key]struct{})}
}

func (m *MemoryMemo) Contains(k Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[k]
	return ok, nil
}

func (m *MemoryMemo) Add(k Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[k]; ok {
		return false, nil
	}
	m.keys[k] = struct{}{}
	return true, nil
}

func (m *MemoryMemo) Remove(k Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, k)
	return nil
}

func (m *MemoryMemo) Keys() ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.keys))
	for k := range m.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
