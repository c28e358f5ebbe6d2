package token

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig       = errors.New("token: invalid config")
	ErrInvalidAmount       = errors.New("token: invalid amount")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
)

// Transferor moves fungible tokens between accounts. A transfer either fully
// succeeds or fails with balances untouched; the ledgers rely on that to keep
// every operation all-or-nothing.
type Transferor interface {
	Transfer(ctx context.Context, from, to common.Address, amount int64) error
}
