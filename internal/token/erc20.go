package token

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// erc20ABI covers the two calls the escrow operator issues.
const erc20ABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const defaultGasLimit = 120_000

// Backend is the subset of ethclient the ERC-20 transferor needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ERC20 moves tokens through an on-chain ERC-20 contract. The operator key is
// the escrow holding account: transfers out of escrow are plain transfer
// calls, transfers into escrow pull via transferFrom and require the source
// to have approved the operator beforehand. Gas estimation simulates the
// call, so an unapproved or underfunded source fails synchronously before
// anything is submitted.
type ERC20 struct {
	backend  Backend
	token    common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	operator common.Address
	gasLimit uint64
	parsed   abi.ABI
}

type ERC20Config struct {
	Backend     Backend
	Token       common.Address
	ChainID     *big.Int
	OperatorKey *ecdsa.PrivateKey

	// GasLimit overrides estimation when > 0.
	GasLimit uint64
}

func NewERC20(cfg ERC20Config) (*ERC20, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing token address", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if cfg.OperatorKey == nil {
		return nil, fmt.Errorf("%w: missing operator key", ErrInvalidConfig)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("token: parse abi: %w", err)
	}

	return &ERC20{
		backend:  cfg.Backend,
		token:    cfg.Token,
		chainID:  cfg.ChainID,
		key:      cfg.OperatorKey,
		operator: crypto.PubkeyToAddress(cfg.OperatorKey.PublicKey),
		gasLimit: cfg.GasLimit,
		parsed:   parsed,
	}, nil
}

// Operator is the escrow holding address.
func (t *ERC20) Operator() common.Address { return t.operator }

func (t *ERC20) Transfer(ctx context.Context, from, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	var (
		data []byte
		err  error
	)
	if from == t.operator {
		data, err = t.parsed.Pack("transfer", to, big.NewInt(amount))
	} else {
		data, err = t.parsed.Pack("transferFrom", from, to, big.NewInt(amount))
	}
	if err != nil {
		return fmt.Errorf("token: pack call: %w", err)
	}

	nonce, err := t.backend.PendingNonceAt(ctx, t.operator)
	if err != nil {
		return fmt.Errorf("token: pending nonce: %w", err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("token: suggest gas price: %w", err)
	}

	gasLimit := t.gasLimit
	if gasLimit == 0 {
		gasLimit, err = t.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: t.operator,
			To:   &t.token,
			Data: data,
		})
		if err != nil {
			// Simulation failure is the synchronous reject path: the
			// source lacks balance or allowance.
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		if gasLimit < defaultGasLimit {
			gasLimit = defaultGasLimit
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &t.token,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return fmt.Errorf("token: sign tx: %w", err)
	}

	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("token: send tx: %w", err)
	}
	return nil
}
