package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists job records, the consumer/provider indices, and the control
// tier (id counter, fee accumulator, initialized flag). Every method is one
// atomic unit of work; transition methods re-run their guards in the same
// step as the write so a failed guard leaves state exactly as it was.
type Store interface {
	// Initialize arms the control tier with a zero fee accumulator.
	// ErrAlreadyInitialized on repeat calls.
	Initialize(ctx context.Context) error
	Initialized(ctx context.Context) (bool, error)

	// CreateJob allocates the next dense id, stores the record, and appends
	// the id to the consumer's index.
	CreateJob(ctx context.Context, j Job) (uint64, error)

	GetJob(ctx context.Context, id uint64) (Job, error)

	// ClaimJob transitions Open -> Claimed: assigns provider, stamps
	// claimedAt, appends the id to the provider's claimed index.
	// ErrNotFound / ErrNotOpen.
	ClaimJob(ctx context.Context, provider common.Address, id uint64, claimedAt uint64) error

	// CompleteJob transitions Claimed -> Completed for the assigned
	// provider, stores the result hash and completion stamp, and adds fee
	// to the accumulator. ErrNotFound / ErrNotClaimed / ErrWrongProvider.
	CompleteJob(ctx context.Context, provider common.Address, id uint64, resultHash string, completedAt uint64, fee int64) error

	// CancelJob transitions Open|Claimed -> Cancelled for the posting
	// consumer, enforcing the claimed-job cool-down against now.
	// ErrNotFound / ErrWrongConsumer / ErrTerminalState / ErrTooEarly.
	CancelJob(ctx context.Context, consumer common.Address, id uint64, now uint64) error

	ListByConsumer(ctx context.Context, consumer common.Address) ([]uint64, error)
	ListByProvider(ctx context.Context, provider common.Address) ([]uint64, error)

	NextID(ctx context.Context) (uint64, error)
	AccumulatedFees(ctx context.Context) (int64, error)
}
