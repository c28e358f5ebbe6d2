package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrInvalidProof = errors.New("auth: invalid proof")
)

// Verifier checks that a caller-supplied proof authorizes acting as the
// claimed identity. Every state-mutating ledger operation runs this before
// touching any record.
type Verifier interface {
	Verify(identity common.Address, proof []byte) error
}

const challengePrefix = "gridrent/auth/v1:"

// Challenge is the 32-byte message an identity signs to authorize calls.
func Challenge(identity common.Address) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(challengePrefix))
	h.Write(identity.Bytes())
	return h.Sum(nil)
}

// Sign produces a proof for identity using its secp256k1 key. The key must
// correspond to the identity address or verification will fail.
func Sign(key *ecdsa.PrivateKey, identity common.Address) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidProof)
	}
	return crypto.Sign(Challenge(identity), key)
}

// SignatureVerifier is the production verifier: the proof is a 65-byte
// secp256k1 signature over Challenge(identity), and the recovered address
// must equal the claimed identity.
type SignatureVerifier struct{}

func (SignatureVerifier) Verify(identity common.Address, proof []byte) error {
	if len(proof) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature must be %d bytes", ErrInvalidProof, crypto.SignatureLength)
	}
	sig := append([]byte(nil), proof...)
	// Accept both 0/1 and 27/28 recovery ids.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(Challenge(identity), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if crypto.PubkeyToAddress(*pub) != identity {
		return ErrUnauthorized
	}
	return nil
}

// StaticVerifier allows a fixed identity set regardless of proof. Dev and
// test use only.
type StaticVerifier struct {
	allowed map[common.Address]struct{}
}

func NewStaticVerifier(identities []common.Address) *StaticVerifier {
	allowed := make(map[common.Address]struct{}, len(identities))
	for _, id := range identities {
		allowed[id] = struct{}{}
	}
	return &StaticVerifier{allowed: allowed}
}

func (v *StaticVerifier) Verify(identity common.Address, _ []byte) error {
	if v == nil {
		return ErrUnauthorized
	}
	if _, ok := v.allowed[identity]; !ok {
		return ErrUnauthorized
	}
	return nil
}

// AllowAll accepts every identity. Test fixture.
type AllowAll struct{}

func (AllowAll) Verify(common.Address, []byte) error { return nil }
