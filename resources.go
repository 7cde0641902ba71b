package main

import (
	"context"
	"sync"

	"tableflow/syncd/internal/conflict"
	"tableflow/syncd/internal/version"
)

// ResourceDirectory is the data collaborator the gateway reads sync
// snapshots from. Conflict resolution shares the same collaborator.
type ResourceDirectory interface {
	conflict.ResourceStore
	// SnapshotKind returns every known resource of the kind keyed by id.
	SnapshotKind(ctx context.Context, kind version.ResourceKind) (map[string]map[string]any, error)
}

// memoryResources is the standalone-mode collaborator: an in-process
// resource table used when no external data service is wired in.
type memoryResources struct {
	mu   sync.RWMutex
	data map[version.ResourceKind]map[string]map[string]any
}

func newMemoryResources() *memoryResources {
	return &memoryResources{data: make(map[version.ResourceKind]map[string]map[string]any)}
}

// Seed installs or replaces a resource payload.
func (m *memoryResources) Seed(kind version.ResourceKind, id string, payload map[string]any) {
	if m == nil || id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[kind] == nil {
		m.data[kind] = make(map[string]map[string]any)
	}
	m.data[kind][id] = clonePayload(payload)
}

func (m *memoryResources) FetchResourceSnapshot(_ context.Context, kind version.ResourceKind, id string) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.data[kind][id]
	if !ok {
		return nil, nil
	}
	return clonePayload(payload), nil
}

func (m *memoryResources) ApplyResourceUpdate(_ context.Context, kind version.ResourceKind, id string, payload map[string]any, _ string) error {
	if m == nil || id == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[kind] == nil {
		m.data[kind] = make(map[string]map[string]any)
	}
	m.data[kind][id] = clonePayload(payload)
	return nil
}

func (m *memoryResources) SnapshotKind(_ context.Context, kind version.ResourceKind) (map[string]map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	resources := make(map[string]map[string]any, len(m.data[kind]))
	for id, payload := range m.data[kind] {
		resources[id] = clonePayload(payload)
	}
	return resources, nil
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	clone := make(map[string]any, len(payload))
	for key, value := range payload {
		clone[key] = value
	}
	return clone
}
