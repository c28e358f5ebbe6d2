package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is the in-process store: mutex-guarded maps plus the id
// counter. It is the test substrate and the reference for the host's
// serialized, atomic operation model.
type MemoryStore struct {
	mu sync.Mutex

	resources map[uint64]Resource
	byOwner   map[common.Address][]uint64
	nextID    uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[uint64]Resource),
		byOwner:   make(map[common.Address][]uint64),
	}
}

func (s *MemoryStore) CreateResource(_ context.Context, r Resource) (uint64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	r.ID = id
	s.resources[id] = r
	s.byOwner[r.Provider] = append(s.byOwner[r.Provider], id)
	s.nextID++
	return id, nil
}

func (s *MemoryStore) GetResource(_ context.Context, id uint64) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok {
		return Resource{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) SetAvailability(_ context.Context, provider common.Address, id uint64, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok {
		return ErrNotFound
	}
	if r.Provider != provider {
		return ErrUnauthorized
	}
	r.Available = available
	s.resources[id] = r
	return nil
}

func (s *MemoryStore) UpdatePrice(_ context.Context, provider common.Address, id uint64, price int64) error {
	if price <= 0 {
		return ErrInvalidPrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok {
		return ErrNotFound
	}
	if r.Provider != provider {
		return ErrUnauthorized
	}
	r.HourlyPrice = price
	s.resources[id] = r
	return nil
}

func (s *MemoryStore) IncrementCompletedJobs(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok {
		return ErrNotFound
	}
	r.CompletedJobs++
	s.resources[id] = r
	return nil
}

func (s *MemoryStore) ListByProvider(_ context.Context, provider common.Address) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]uint64(nil), s.byOwner[provider]...), nil
}

func (s *MemoryStore) NextID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID, nil
}
