// Package cipher implements the fixed-width field encryption used for
// computation request arguments and the seal-to-key construction used for
// auditor-only results. Fields are encrypted with a ChaCha20 keystream
// derived from an x25519 shared secret; authenticity of results comes from
// the cluster signature over the whole output, not from per-field tags.
package cipher

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"

	"github.com/vaultpay/confidential/internal/crypto"
)

// CiphertextSize is the fixed width of one encrypted field on the wire.
const CiphertextSize = 32

// Ciphertext is a single fixed-width encrypted field.
type Ciphertext [CiphertextSize]byte

// PrivateKey is an x25519 scalar.
type PrivateKey [32]byte

// GenerateKey creates a fresh x25519 key pair.
func GenerateKey() (PrivateKey, crypto.X25519PublicKey, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return PrivateKey{}, crypto.X25519PublicKey{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return PrivateKey{}, crypto.X25519PublicKey{}, err
	}
	return priv, pub, nil
}

// PublicKey derives the public key for the scalar.
func (p PrivateKey) PublicKey() (crypto.X25519PublicKey, error) {
	pub, err := curve25519.X25519(p[:], curve25519.Basepoint)
	if err != nil {
		return crypto.X25519PublicKey{}, fmt.Errorf("derive x25519 public key: %w", err)
	}
	var out crypto.X25519PublicKey
	copy(out[:], pub)
	return out, nil
}

// SharedSecret computes the x25519 shared secret between a private scalar
// and a peer public key.
func SharedSecret(priv PrivateKey, pub crypto.X25519PublicKey) ([32]byte, error) {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("x25519 shared secret: %w", err)
	}
	var out [32]byte
	copy(out[:], secret)
	return out, nil
}

// fieldKeystream produces the 32-byte keystream for field number index.
// The XChaCha20 nonce is the 16-byte request nonce followed by the field
// index, so every field in a request gets an independent stream.
func fieldKeystream(secret [32]byte, nonce crypto.Nonce, index uint32) ([CiphertextSize]byte, error) {
	var xnonce [chacha20.NonceSizeX]byte
	copy(xnonce[:crypto.NonceSize], nonce[:])
	binary.LittleEndian.PutUint32(xnonce[crypto.NonceSize:], index)

	c, err := chacha20.NewUnauthenticatedCipher(secret[:], xnonce[:])
	if err != nil {
		return [CiphertextSize]byte{}, fmt.Errorf("chacha20 keystream: %w", err)
	}
	var stream [CiphertextSize]byte
	c.XORKeyStream(stream[:], stream[:])
	return stream, nil
}

// EncryptU64 encrypts a 64-bit value into a fixed-width field. The value
// occupies the first 8 bytes little-endian; the remaining bytes are
// keystream-masked padding so all fields are indistinguishable on the wire.
func EncryptU64(secret [32]byte, nonce crypto.Nonce, index uint32, value uint64) (Ciphertext, error) {
	stream, err := fieldKeystream(secret, nonce, index)
	if err != nil {
		return Ciphertext{}, err
	}
	var ct Ciphertext
	binary.LittleEndian.PutUint64(ct[:8], value)
	for i := range ct {
		ct[i] ^= stream[i]
	}
	return ct, nil
}

// DecryptU64 recovers the 64-bit value from a fixed-width field.
func DecryptU64(secret [32]byte, nonce crypto.Nonce, index uint32, ct Ciphertext) (uint64, error) {
	stream, err := fieldKeystream(secret, nonce, index)
	if err != nil {
		return 0, err
	}
	var pt [CiphertextSize]byte
	for i := range ct {
		pt[i] = ct[i] ^ stream[i]
	}
	return binary.LittleEndian.Uint64(pt[:8]), nil
}
