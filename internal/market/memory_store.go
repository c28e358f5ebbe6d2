package market

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is the in-process job store: mutex-guarded maps plus the
// control counters. Test substrate and host-model reference.
type MemoryStore struct {
	mu sync.Mutex

	initialized bool
	fees        int64
	nextID      uint64

	jobs       map[uint64]Job
	byConsumer map[common.Address][]uint64
	byProvider map[common.Address][]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[uint64]Job),
		byConsumer: make(map[common.Address][]uint64),
		byProvider: make(map[common.Address][]uint64),
	}
}

func (s *MemoryStore) Initialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.fees = 0
	return nil
}

func (s *MemoryStore) Initialized(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, j Job) (uint64, error) {
	if err := j.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}

	id := s.nextID
	j.ID = id
	s.jobs[id] = j
	s.byConsumer[j.Consumer] = append(s.byConsumer[j.Consumer], id)
	s.nextID++
	return id, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uint64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, provider common.Address, id uint64, claimedAt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusOpen {
		return ErrNotOpen
	}

	j.Provider = provider
	j.Status = StatusClaimed
	j.ClaimedAt = claimedAt
	s.jobs[id] = j
	s.byProvider[provider] = append(s.byProvider[provider], id)
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, provider common.Address, id uint64, resultHash string, completedAt uint64, fee int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusClaimed {
		return ErrNotClaimed
	}
	if j.Provider != provider {
		return ErrWrongProvider
	}

	j.Status = StatusCompleted
	j.CompletedAt = completedAt
	j.ResultHash = resultHash
	s.jobs[id] = j
	s.fees += fee
	return nil
}

func (s *MemoryStore) CancelJob(_ context.Context, consumer common.Address, id uint64, now uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Consumer != consumer {
		return ErrWrongConsumer
	}

	switch j.Status {
	case StatusOpen:
	case StatusClaimed:
		if now < j.ClaimedAt+CancelCooldown {
			return ErrTooEarly
		}
	default:
		return ErrTerminalState
	}

	j.Status = StatusCancelled
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) ListByConsumer(_ context.Context, consumer common.Address) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.byConsumer[consumer]...), nil
}

func (s *MemoryStore) ListByProvider(_ context.Context, provider common.Address) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.byProvider[provider]...), nil
}

func (s *MemoryStore) NextID(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID, nil
}

func (s *MemoryStore) AccumulatedFees(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	return s.fees, nil
}
