package comp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/crypto/ed25519"
)

var (
	ErrClusterNotSet      = errors.New("cluster identity not configured")
	ErrVerificationFailed = errors.New("signed result failed verification")
)

// SignedResult is the cluster's message completing a computation. Output is
// the decrypted-layout portion the resolver may decode; Sealed is the
// auditor-addressed copy, present only for auditor-sealing circuits.
type SignedResult struct {
	Handle    Handle          `cbor:"1,keyasint"`
	Circuit   CircuitID       `cbor:"2,keyasint"`
	Output    []byte          `cbor:"3,keyasint"`
	Sealed    []byte          `cbor:"4,keyasint,omitempty"`
	Nonce     crypto.Nonce    `cbor:"5,keyasint"`
	Signature []byte          `cbor:"6,keyasint"`
}

// SigningDigest is the hash the cluster signs: every field of the result
// except the signature, length-delimited so no two field splits collide.
func (r SignedResult) SigningDigest() crypto.Hash {
	h, _ := blake2b.New256(nil)
	h.Write(r.Handle[:])
	h.Write([]byte{byte(r.Circuit)})

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(r.Output)))
	h.Write(lenBuf[:])
	h.Write(r.Output)

	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(r.Sealed)))
	h.Write(lenBuf[:])
	h.Write(r.Sealed)

	h.Write(r.Nonce[:])

	var digest crypto.Hash
	copy(digest[:], h.Sum(nil))
	return digest
}

// Verifier checks signed results against the configured cluster identity.
// The identity is an explicit dependency; it is never read from a global.
type Verifier struct {
	clusterKey ed25519.PublicKey
}

// NewVerifier builds a verifier for the given cluster public key.
func NewVerifier(clusterKey ed25519.PublicKey) (*Verifier, error) {
	if len(clusterKey) != ed25519.PublicKeySize {
		return nil, ErrClusterNotSet
	}
	return &Verifier{clusterKey: clusterKey}, nil
}

// Verify authenticates a result against the handle and circuit it claims to
// complete. This must pass before any field of the result is trusted or
// decoded.
func (v *Verifier) Verify(expected Handle, circuit CircuitID, r SignedResult) error {
	if v == nil || len(v.clusterKey) != ed25519.PublicKeySize {
		return ErrClusterNotSet
	}
	if !crypto.ConstantTimeEqual(r.Handle[:], expected[:]) {
		return fmt.Errorf("%w: handle mismatch", ErrVerificationFailed)
	}
	if r.Circuit != circuit {
		return fmt.Errorf("%w: circuit mismatch, got %s want %s", ErrVerificationFailed, r.Circuit, circuit)
	}
	digest := r.SigningDigest()
	if !ed25519.Verify(v.clusterKey, digest[:], r.Signature) {
		return fmt.Errorf("%w: bad cluster signature", ErrVerificationFailed)
	}
	return nil
}
