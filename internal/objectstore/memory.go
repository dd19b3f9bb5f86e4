package objectstore

import "sync"

// MemoryBackend keeps objects in process memory. It is the default backend;
// objects live exactly as long as the node does, which matches the lifetime
// of the refs handed out for them.
type MemoryBackend struct {
	objects sync.Map // key -> []byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Put(key string, val []byte) error {
	stored := make([]byte, len(val))
	copy(stored, val)
	m.objects.Store(key, stored)
	return nil
}

func (m *MemoryBackend) Get(key string) ([]byte, error) {
	v, ok := m.objects.Load(key)
	if !ok {
		return nil, notFound(key)
	}
	return v.([]byte), nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.objects.Delete(key)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.objects.Range(func(k, _ any) bool {
		m.objects.Delete(k)
		return true
	})
	return nil
}

// Len reports how many objects are held.
func (m *MemoryBackend) Len() int {
	n := 0
	m.objects.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
