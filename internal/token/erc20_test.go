package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeBackend struct {
	nonce       uint64
	gasPrice    *big.Int
	estimateErr error

	sent []*types.Transaction
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if b.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return b.gasPrice, nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 60_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.sent = append(b.sent, tx)
	return nil
}

func newTestERC20(t *testing.T, backend Backend) (*ERC20, common.Address) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tok, err := NewERC20(ERC20Config{
		Backend:     backend,
		Token:       common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		ChainID:     big.NewInt(31337),
		OperatorKey: key,
	})
	if err != nil {
		t.Fatalf("NewERC20: %v", err)
	}
	return tok, crypto.PubkeyToAddress(key.PublicKey)
}

func TestERC20_EscrowOutUsesTransfer(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{nonce: 7}
	tok, operator := newTestERC20(t, backend)

	if err := tok.Transfer(context.Background(), operator, addr(0x02), 950); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent: got %d want 1", len(backend.sent))
	}

	tx := backend.sent[0]
	if tx.Nonce() != 7 {
		t.Fatalf("nonce: got %d want 7", tx.Nonce())
	}
	// transfer(address,uint256) selector.
	if got := fmt.Sprintf("%x", tx.Data()[:4]); got != "a9059cbb" {
		t.Fatalf("selector: got %s want a9059cbb", got)
	}
}

func TestERC20_EscrowInUsesTransferFrom(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	tok, operator := newTestERC20(t, backend)

	if err := tok.Transfer(context.Background(), addr(0x01), operator, 1000); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent: got %d want 1", len(backend.sent))
	}
	// transferFrom(address,address,uint256) selector.
	if got := fmt.Sprintf("%x", backend.sent[0].Data()[:4]); got != "23b872dd" {
		t.Fatalf("selector: got %s want 23b872dd", got)
	}
}

func TestERC20_SimulationFailureRejectsSynchronously(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{estimateErr: errors.New("execution reverted")}
	tok, operator := newTestERC20(t, backend)

	err := tok.Transfer(context.Background(), addr(0x01), operator, 1000)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v want ErrInsufficientBalance", err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("nothing should be submitted, sent %d", len(backend.sent))
	}
}

func TestERC20_RejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	tok, operator := newTestERC20(t, backend)

	if err := tok.Transfer(context.Background(), operator, addr(0x02), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("got %v want ErrInvalidAmount", err)
	}
}
