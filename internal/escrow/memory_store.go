package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/splitpot/internal/pagination"
)

// MemoryStore is an in-memory pot store for demo/development mode.
type MemoryStore struct {
	pots         map[string]*Pot
	participants map[string]*Participant
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory pot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pots:         make(map[string]*Pot),
		participants: make(map[string]*Participant),
	}
}

func (m *MemoryStore) CreatePot(ctx context.Context, pot *Pot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *pot
	m.pots[pot.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPot(ctx context.Context, id string) (*Pot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pot, ok := m.pots[id]
	if !ok {
		return nil, ErrPotNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *pot
	return &cp, nil
}

func (m *MemoryStore) UpdatePot(ctx context.Context, pot *Pot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pots[pot.ID]; !ok {
		return ErrPotNotFound
	}
	cp := *pot
	m.pots[pot.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPotsByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Pot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Pot
	for _, pot := range m.pots {
		if pot.CreatorID != userID {
			continue
		}
		if before != nil {
			// Keyset match against (created_at, id) descending.
			if pot.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if pot.CreatedAt.Equal(before.CreatedAt) && pot.ID >= before.ID {
				continue
			}
		}
		cp := *pot
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[id]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.participants[p.ID]; !ok {
		return ErrParticipantNotFound
	}
	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListParticipants(ctx context.Context, potID string) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Participant
	for _, p := range m.participants {
		if p.PotID == potID {
			cp := *p
			result = append(result, &cp)
		}
	}
	// Ledger order is position order; it fixes the distribution sequence.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Position < result[j].Position
	})
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
