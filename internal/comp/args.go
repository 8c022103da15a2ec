// Package comp defines the computation request/result contract between the
// protocol and the external MPC cluster: the ordered encrypted-argument
// payload, the opaque computation handle correlating a request with its
// eventual result, and verification of signed results against the cluster
// identity.
package comp

import (
	"errors"
	"fmt"

	"github.com/vaultpay/confidential/internal/cipher"
	"github.com/vaultpay/confidential/internal/crypto"
)

var (
	ErrMalformedArgs = errors.New("malformed computation args payload")
	ErrArgsOrder     = errors.New("args must start with public key then nonce")
)

// ArgsBuilder assembles the encrypted-argument payload in wire order:
// ephemeral x25519 public key (32 bytes), plaintext nonce (16 bytes), then
// one fixed-width encrypted field per circuit input in declaration order.
// Field order is part of the wire contract; a mismatch makes the payload
// unreadable on the cluster side.
type ArgsBuilder struct {
	buf      []byte
	havePub  bool
	haveNone bool
}

func NewArgsBuilder() *ArgsBuilder {
	return &ArgsBuilder{}
}

func (b *ArgsBuilder) X25519PublicKey(pub crypto.X25519PublicKey) *ArgsBuilder {
	if len(b.buf) != 0 {
		return b
	}
	b.buf = append(b.buf, pub[:]...)
	b.havePub = true
	return b
}

func (b *ArgsBuilder) PlaintextNonce(nonce crypto.Nonce) *ArgsBuilder {
	if !b.havePub || b.haveNone {
		return b
	}
	b.buf = append(b.buf, nonce[:]...)
	b.haveNone = true
	return b
}

func (b *ArgsBuilder) EncryptedU64(ct cipher.Ciphertext) *ArgsBuilder {
	if !b.haveNone {
		return b
	}
	b.buf = append(b.buf, ct[:]...)
	return b
}

// Build returns the payload bytes. At least the public key, the nonce and
// one encrypted field must have been added in order.
func (b *ArgsBuilder) Build() ([]byte, error) {
	if !b.havePub || !b.haveNone {
		return nil, ErrArgsOrder
	}
	if len(b.buf) <= crypto.X25519PublicKeySize+crypto.NonceSize {
		return nil, fmt.Errorf("%w: no encrypted fields", ErrMalformedArgs)
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out, nil
}

// Args is the parsed form of a request payload, used by the cluster side.
type Args struct {
	PublicKey crypto.X25519PublicKey
	Nonce     crypto.Nonce
	Fields    []cipher.Ciphertext
}

// ParseArgs splits a payload back into its ordered parts. The payload must
// be exactly pubkey + nonce + a whole number of fixed-width fields.
func ParseArgs(payload []byte) (Args, error) {
	header := crypto.X25519PublicKeySize + crypto.NonceSize
	if len(payload) <= header {
		return Args{}, fmt.Errorf("%w: %d bytes", ErrMalformedArgs, len(payload))
	}
	body := len(payload) - header
	if body%cipher.CiphertextSize != 0 {
		return Args{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedArgs, body%cipher.CiphertextSize)
	}

	var args Args
	copy(args.PublicKey[:], payload[:crypto.X25519PublicKeySize])
	copy(args.Nonce[:], payload[crypto.X25519PublicKeySize:header])
	for off := header; off < len(payload); off += cipher.CiphertextSize {
		var field cipher.Ciphertext
		copy(field[:], payload[off:off+cipher.CiphertextSize])
		args.Fields = append(args.Fields, field)
	}
	return args, nil
}
