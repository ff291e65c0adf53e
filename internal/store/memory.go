// internal/store/memory.go
package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/softwarefaith/appflowy/pkg/revision"
)

// MemoryStore keeps everything in process memory. Used by tests and by
// the server when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]revision.Revision
	meta map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]revision.Revision),
		meta: make(map[string]string),
	}
}

func (s *MemoryStore) Append(ctx context.Context, rev revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[rev.DocumentID]
	if err := checkNext(uint64(len(log)), rev); err != nil {
		return err
	}
	s.logs[rev.DocumentID] = append(log, rev)
	return nil
}

func (s *MemoryStore) Revisions(ctx context.Context, docID string, from uint64) ([]revision.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[docID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "document %s", docID)
	}
	if from >= uint64(len(log)) {
		return nil, nil
	}
	out := make([]revision.Revision, len(log)-int(from))
	copy(out, log[from:])
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context, docID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[docID]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "document %s", docID)
	}
	return uint64(len(log)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[docID]; !ok {
		return errors.Wrapf(ErrNotFound, "document %s", docID)
	}
	delete(s.logs, docID)
	return nil
}

func (s *MemoryStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.meta[key]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "meta %s", key)
	}
	return v, nil
}

func (s *MemoryStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta[key] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }
