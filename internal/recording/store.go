package recording

import (
	"sort"
	"sync"
)

// Store retains buffers independently of live sessions so a stream's
// recording stays exportable after the stream ends, until it is purged.
// Implementations can be in-memory or remote.
type Store interface {
	Get(streamID string) (*Buffer, bool)
	// Put stores b under its stream id, replacing any previous buffer.
	Put(b *Buffer)
	// Delete removes the buffer for streamID and reports whether one existed.
	Delete(streamID string) bool
	List() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		buffers: make(map[string]*Buffer),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(streamID string) (*Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[streamID]
	return b, ok
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[b.StreamID()] = b
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buffers[streamID]
	delete(s.buffers, streamID)
	return ok
}

// List implements Store.List. Ids are returned sorted.
func (s *InMemoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
