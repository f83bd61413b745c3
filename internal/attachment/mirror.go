package attachment

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	"triggerhub/internal/constants"
	apperrors "triggerhub/pkg/errors"
)

// Mirror stores attachment bytes and returns the hosted location.
type Mirror interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// GCSMirror writes mirrored attachments to a Cloud Storage bucket.
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSMirror(ctx context.Context, bucket, prefix string) (*GCSMirror, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return NewGCSMirrorWithClient(client, bucket, prefix), nil
}

func NewGCSMirrorWithClient(client *storage.Client, bucket, prefix string) *GCSMirror {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &GCSMirror{client: client, bucket: bucket, prefix: prefix}
}

func (m *GCSMirror) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	name := m.prefix + key
	writer := m.client.Bucket(m.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to write to Cloud Storage: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close Cloud Storage writer: %w", err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", m.bucket, name), nil
}

func (m *GCSMirror) Close() error {
	return m.client.Close()
}

type memoryObject struct {
	key         string
	contentType string
	data        []byte
}

// MemoryMirror keeps mirrored attachments in process, for tests and
// single-node development. Stored bytes are capped; once the cap is reached
// the oldest objects are evicted first.
type MemoryMirror struct {
	mu       sync.RWMutex
	maxBytes int64
	size     int64
	order    *list.List
	objects  map[string]*list.Element
}

// NewMemoryMirror returns a mirror holding at most maxBytes. A non-positive
// value selects constants.DefaultMirrorBytes.
func NewMemoryMirror(maxBytes int64) *MemoryMirror {
	if maxBytes <= 0 {
		maxBytes = constants.DefaultMirrorBytes
	}
	return &MemoryMirror{
		maxBytes: maxBytes,
		order:    list.New(),
		objects:  make(map[string]*list.Element),
	}
}

func (m *MemoryMirror) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	if int64(len(data)) > m.maxBytes {
		return "", apperrors.ErrOversizedAttachment.WithDetail("size", len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.objects[key]; ok {
		m.remove(el)
	}
	for m.size+int64(len(data)) > m.maxBytes {
		m.remove(m.order.Front())
	}
	obj := &memoryObject{key: key, contentType: contentType, data: append([]byte(nil), data...)}
	m.objects[key] = m.order.PushBack(obj)
	m.size += int64(len(data))
	return "memory://" + key, nil
}

func (m *MemoryMirror) remove(el *list.Element) {
	obj := m.order.Remove(el).(*memoryObject)
	delete(m.objects, obj.key)
	m.size -= int64(len(obj.data))
}

// Get returns a stored object by key.
func (m *MemoryMirror) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	el, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	obj := el.Value.(*memoryObject)
	return obj.data, obj.contentType, true
}

func (m *MemoryMirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len()
}

// Size reports the stored bytes.
func (m *MemoryMirror) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}
