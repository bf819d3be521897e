package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	public      bool
}

// MemoryStore is an in-process ObjectStore for tests and local runs without S3.
type MemoryStore struct {
	mu            sync.Mutex
	objects       map[string]memoryObject
	publicBaseURL string

	// FailPuts makes every Put fail, for exercising compensation paths.
	FailPuts bool
	// FailGets makes every Get fail as an unreachable backend would.
	FailGets bool
}

func NewMemoryStore(publicBaseURL string) *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), publicBaseURL: publicBaseURL}
}

func (m *MemoryStore) PutPrivate(_ context.Context, data []byte, contentType string) (string, error) {
	key := objectKey("images", kindOriginal, contentType, time.Now())
	if err := m.put(key, data, contentType, false); err != nil {
		return "", err
	}
	return key, nil
}

func (m *MemoryStore) PutPublic(_ context.Context, data []byte, contentType string) (string, string, error) {
	key := objectKey("images", kindPreview, contentType, time.Now())
	if err := m.put(key, data, contentType, true); err != nil {
		return "", "", err
	}
	return key, publicURL(m.publicBaseURL, key), nil
}

func (m *MemoryStore) put(key string, data []byte, contentType string, public bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return fmt.Errorf("memory store: put disabled")
	}
	if len(data) == 0 {
		return fmt.Errorf("no data to upload")
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType, public: public}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGets {
		return nil, "", fmt.Errorf("memory store: get disabled")
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Has reports whether key is stored, and whether it is public.
func (m *MemoryStore) Has(key string) (exists, public bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGets {
		return false, false
	}
	obj, ok := m.objects[key]
	return ok, obj.public
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
