package store

import (
	"context"
	"strings"
	"sync"
)

// MemStore is an in-memory RemoteStore used by tests. UploadHook can
// inject an error or a delay into Upload calls for fault-injection
// scenarios (e.g. "stop while a waiter is parked"); the other methods
// have no such hook.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// UploadHook, if set, is called before every Upload; a non-nil error
	// is returned to the caller without storing the object.
	UploadHook func(key string) error
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

// Upload implements RemoteStore.
func (m *MemStore) Upload(ctx context.Context, key string, data []byte) error {
	if m.UploadHook != nil {
		if err := m.UploadHook(key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	m.objects[key] = cp
	return nil
}

// Download implements RemoteStore.
func (m *MemStore) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, NotExist(key)
	}
	return append([]byte(nil), data...), nil
}

// Delete implements RemoteStore.
func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// DeleteObjects implements RemoteStore.
func (m *MemStore) DeleteObjects(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

// ListPrefixes implements RemoteStore.
func (m *MemStore) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Keys returns a snapshot of every key currently stored, for test
// assertions.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
