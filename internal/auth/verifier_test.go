package auth

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignatureVerifier_RoundTrip(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	identity := crypto.PubkeyToAddress(key.PublicKey)

	proof, err := Sign(key, identity)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var v SignatureVerifier
	if err := v.Verify(identity, proof); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSignatureVerifier_RejectsWrongIdentity(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey other: %v", err)
	}
	identity := crypto.PubkeyToAddress(key.PublicKey)
	otherAddr := crypto.PubkeyToAddress(other.PublicKey)

	// Proof signed by key but claiming the other identity.
	proof, err := Sign(key, otherAddr)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var v SignatureVerifier
	if err := v.Verify(otherAddr, proof); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v want ErrUnauthorized", err)
	}
	// A proof over the wrong challenge must not verify either.
	if err := v.Verify(identity, proof); err == nil {
		t.Fatalf("expected verification failure")
	}
}

func TestSignatureVerifier_RejectsMalformedProof(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	identity := crypto.PubkeyToAddress(key.PublicKey)

	var v SignatureVerifier
	if err := v.Verify(identity, nil); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("nil proof: got %v want ErrInvalidProof", err)
	}
	if err := v.Verify(identity, make([]byte, 64)); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("short proof: got %v want ErrInvalidProof", err)
	}
}

func TestSignatureVerifier_Accepts27StyleRecoveryID(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	identity := crypto.PubkeyToAddress(key.PublicKey)

	proof, err := Sign(key, identity)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	proof[crypto.RecoveryIDOffset] += 27

	var v SignatureVerifier
	if err := v.Verify(identity, proof); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestStaticVerifier(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	allowed := crypto.PubkeyToAddress(key.PublicKey)

	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey other: %v", err)
	}
	denied := crypto.PubkeyToAddress(other.PublicKey)

	v := NewStaticVerifier([]common.Address{allowed})
	if err := v.Verify(allowed, nil); err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if err := v.Verify(denied, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("denied: got %v want ErrUnauthorized", err)
	}
}
