package registry

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidCapacity = errors.New("registry: invalid capacity")
	ErrInvalidPrice    = errors.New("registry: invalid price")
	ErrNotFound        = errors.New("registry: not found")
	ErrUnauthorized    = errors.New("registry: unauthorized")
)

// Resource is an advertised rentable capacity unit.
//
// Ids are dense and allocated in order from 0. Records are never deleted;
// withdrawal from the market is the availability flag.
type Resource struct {
	ID       uint64
	Provider common.Address

	Model      string
	CapacityGB uint32
	// HourlyPrice is a positive token amount per compute hour.
	HourlyPrice int64

	Available bool

	// CompletedJobs only ever grows; the marketplace bumps it once per
	// settled job.
	CompletedJobs uint64

	// RegisteredAt is ledger time (unix seconds) at creation.
	RegisteredAt uint64
}

// Validate checks the numeric fields. Model is free text and may be empty.
func (r Resource) Validate() error {
	if r.CapacityGB == 0 {
		return ErrInvalidCapacity
	}
	if r.HourlyPrice <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPrice, r.HourlyPrice)
	}
	return nil
}
