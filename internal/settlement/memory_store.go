package settlement

import (
	"context"
	"sort"
	"sync"
)

// MemoryTransferStore is an in-memory transfer store for demo/development
// mode. The key check inside the write lock gives the same conditional
// insert semantics as the unique index in Postgres.
type MemoryTransferStore struct {
	byKey map[string]*TransferRecord
	mu    sync.RWMutex
}

// NewMemoryTransferStore creates a new in-memory transfer store.
func NewMemoryTransferStore() *MemoryTransferStore {
	return &MemoryTransferStore{
		byKey: make(map[string]*TransferRecord),
	}
}

func (m *MemoryTransferStore) CreateIfAbsent(ctx context.Context, rec *TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[rec.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	cp := *rec
	m.byKey[rec.IdempotencyKey] = &cp
	return nil
}

func (m *MemoryTransferStore) FindByKey(ctx context.Context, key string) (*TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byKey[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryTransferStore) Update(ctx context.Context, rec *TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[rec.IdempotencyKey]; !ok {
		return ErrRecordNotFound
	}
	cp := *rec
	m.byKey[rec.IdempotencyKey] = &cp
	return nil
}

func (m *MemoryTransferStore) ListByPot(ctx context.Context, potID string) ([]*TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TransferRecord
	for _, rec := range m.byKey {
		if rec.PotID == potID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Compile-time assertion that MemoryTransferStore implements TransferStore.
var _ TransferStore = (*MemoryTransferStore)(nil)
