package repository

import (
	"context"
	"sync"

	"caresync/internal/domain"
	"caresync/internal/models"
)

// MemoryStore keeps tables in process memory. Nothing survives a restart,
// so it is meant for tests and throwaway deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
	quota  int64
}

func NewMemoryStore(quota int64) *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[string][]byte),
		quota:  quota,
	}
}

func (s *MemoryStore) Get(_ context.Context, table, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.tables[table][key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemoryStore) Put(ctx context.Context, table, key string, value []byte) error {
	return s.PutMany(ctx, table, map[string][]byte{key: value})
}

func (s *MemoryStore) PutMany(_ context.Context, table string, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		t = make(map[string][]byte)
		s.tables[table] = t
	}
	for k, v := range values {
		t[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[table], key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, table string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.tables[table]))
	for k, v := range s.tables[table] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
	return nil
}

func (s *MemoryStore) Usage(_ context.Context) (models.StorageUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var used int64
	for _, t := range s.tables {
		for k, v := range t {
			used += int64(len(k) + len(v))
		}
	}
	return models.StorageUsage{UsedBytes: used, QuotaBytes: s.quota}, nil
}
