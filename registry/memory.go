package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps instances in process. Discover returns them in
// registration order.
type MemoryRegistry struct {
	mu       sync.RWMutex
	services map[string][]ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{services: make(map[string][]ServiceInstance)}
}

// Register adds instance, or replaces the entry with the same ID in place.
func (m *MemoryRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	instance.Metadata = copyMetadata(instance.Metadata)
	insts := m.services[serviceName]
	for i := range insts {
		if insts[i].Key() == instance.Key() {
			insts[i] = instance
			return nil
		}
	}
	m.services[serviceName] = append(insts, instance)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, serviceName string, instance ServiceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts := m.services[serviceName]
	for i := range insts {
		if insts[i].Key() == instance.Key() {
			m.services[serviceName] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

// Discover returns a snapshot; later registrations do not alter it.
func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	insts := m.services[serviceName]
	out := make([]ServiceInstance, len(insts))
	copy(out, insts)
	return out, nil
}

func (m *MemoryRegistry) Close() error { return nil }
