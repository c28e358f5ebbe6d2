package market

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidHours       = errors.New("market: invalid hours")
	ErrInvalidAmount      = errors.New("market: invalid amount")
	ErrNotFound           = errors.New("market: not found")
	ErrWrongProvider      = errors.New("market: wrong provider")
	ErrWrongConsumer      = errors.New("market: wrong consumer")
	ErrNotOpen            = errors.New("market: job not open")
	ErrNotClaimed         = errors.New("market: job not claimed")
	ErrTerminalState      = errors.New("market: job in terminal state")
	ErrTooEarly           = errors.New("market: cancellation cool-down not elapsed")
	ErrAlreadyInitialized = errors.New("market: already initialized")
	ErrNotInitialized     = errors.New("market: not initialized")
)

const (
	// FeePercent is the platform cut retained on completion.
	FeePercent = 5

	// CancelCooldown is the minimum ledger seconds between claim and a
	// consumer cancelling a claimed job.
	CancelCooldown = 86400
)

// Fee is the platform cut for a payment amount, rounded down. Fee plus
// payout always reconstruct the original amount exactly. Split form so the
// multiply cannot overflow for any positive amount.
func Fee(amount int64) int64 {
	return amount/100*FeePercent + amount%100*FeePercent/100
}

type Status uint8

const (
	StatusOpen Status = iota
	StatusClaimed
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClaimed:
		return "claimed"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is legal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Job is a unit of requested work with its escrowed payment.
//
// Until claimed, Provider carries the consumer address as an "unclaimed"
// placeholder, not a real assignment. Timestamps are ledger unix seconds,
// zero until set.
type Job struct {
	ID       uint64
	Consumer common.Address

	// ResourceID references the resource ledger for observers only; job
	// operations never read the registry.
	ResourceID  uint64
	Description string
	Hours       uint32
	Amount      int64

	Provider common.Address
	Status   Status

	CreatedAt   uint64
	ClaimedAt   uint64
	CompletedAt uint64

	// ResultHash is the opaque attestation stored verbatim on completion.
	ResultHash string
}

func (j Job) Validate() error {
	if j.Hours == 0 {
		return ErrInvalidHours
	}
	if j.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, j.Amount)
	}
	return nil
}
