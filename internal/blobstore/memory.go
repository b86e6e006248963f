package blobstore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
)

// StoredObject is an object held by MemoryStore.
type StoredObject struct {
	Bucket      string
	Key         string
	Data        []byte
	ContentType string
	SubjectID   string
}

// MemoryStore keeps objects in memory for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]StoredObject
	uploads int
	// Err, when set, fails every upload.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]StoredObject)}
}

func (m *MemoryStore) Upload(ctx context.Context, subject identity.Subject, obj Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	if m.Err != nil {
		return m.Err
	}
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return fmt.Errorf("blobstore: read body: %w", err)
	}
	m.objects[obj.Bucket+"/"+obj.Key] = StoredObject{
		Bucket:      obj.Bucket,
		Key:         obj.Key,
		Data:        data,
		ContentType: obj.ContentType,
		SubjectID:   subject.ID,
	}
	return nil
}

func (m *MemoryStore) PublicURL(bucket, key string) string {
	return "memory://" + bucket + "/" + key
}

// Object returns a stored object.
func (m *MemoryStore) Object(bucket, key string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	return obj, ok
}

// Uploads counts Upload calls, including failed ones.
func (m *MemoryStore) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}
