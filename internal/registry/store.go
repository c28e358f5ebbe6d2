package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists resource records, the per-provider index, and the id
// counter. Every method is a single atomic unit: it either applies fully or
// leaves state untouched.
type Store interface {
	// CreateResource allocates the next dense id, stores the record under
	// it, and appends the id to the owner's index.
	CreateResource(ctx context.Context, r Resource) (uint64, error)

	GetResource(ctx context.Context, id uint64) (Resource, error)

	// SetAvailability and UpdatePrice guard ownership in the same atomic
	// step as the write: ErrNotFound for unknown ids, ErrUnauthorized when
	// provider does not own the record.
	SetAvailability(ctx context.Context, provider common.Address, id uint64, available bool) error
	UpdatePrice(ctx context.Context, provider common.Address, id uint64, price int64) error

	// IncrementCompletedJobs bumps the completion counter by one. Not
	// idempotent; the marketplace calls it exactly once per settled job.
	IncrementCompletedJobs(ctx context.Context, id uint64) error

	// ListByProvider returns the append-only ordered id list for provider,
	// empty when it never registered anything.
	ListByProvider(ctx context.Context, provider common.Address) ([]uint64, error)

	// NextID is the current allocation counter.
	NextID(ctx context.Context) (uint64, error)
}
