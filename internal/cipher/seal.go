package cipher

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/vaultpay/confidential/internal/crypto"
)

const sealTagSize = 16

var ErrSealOpen = errors.New("sealed payload cannot be opened with this key")

// Seal encrypts plaintext so that only the holder of the recipient key can
// read it. A fresh ephemeral key is used per seal; the layout is
// ephemeralPub(32) || tag(16) || ciphertext.
func Seal(recipient crypto.X25519PublicKey, nonce crypto.Nonce, plaintext []byte) ([]byte, error) {
	ephPriv, ephPub, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	secret, err := SharedSecret(ephPriv, recipient)
	if err != nil {
		return nil, err
	}

	ct := make([]byte, len(plaintext))
	if err := sealStream(secret, nonce, ct, plaintext); err != nil {
		return nil, err
	}

	out := make([]byte, 0, crypto.X25519PublicKeySize+sealTagSize+len(ct))
	out = append(out, ephPub[:]...)
	tag := sealTag(secret, nonce, ct)
	out = append(out, tag[:]...)
	out = append(out, ct...)
	return out, nil
}

// Open reverses Seal using the recipient's private key. The tag check is
// constant-time so opening attempts leak nothing about near-misses.
func Open(priv PrivateKey, nonce crypto.Nonce, sealed []byte) ([]byte, error) {
	if len(sealed) < crypto.X25519PublicKeySize+sealTagSize {
		return nil, ErrSealOpen
	}
	var ephPub crypto.X25519PublicKey
	copy(ephPub[:], sealed[:crypto.X25519PublicKeySize])
	tag := sealed[crypto.X25519PublicKeySize : crypto.X25519PublicKeySize+sealTagSize]
	ct := sealed[crypto.X25519PublicKeySize+sealTagSize:]

	secret, err := SharedSecret(priv, ephPub)
	if err != nil {
		return nil, err
	}
	expected := sealTag(secret, nonce, ct)
	if !crypto.ConstantTimeEqual(tag, expected[:]) {
		return nil, ErrSealOpen
	}

	pt := make([]byte, len(ct))
	if err := sealStream(secret, nonce, pt, ct); err != nil {
		return nil, err
	}
	return pt, nil
}

func sealStream(secret [32]byte, nonce crypto.Nonce, dst, src []byte) error {
	var xnonce [chacha20.NonceSizeX]byte
	copy(xnonce[:crypto.NonceSize], nonce[:])
	// Distinct domain from field encryption so a sealed result never shares
	// a keystream with a request field.
	copy(xnonce[crypto.NonceSize:], []byte("seal"))

	c, err := chacha20.NewUnauthenticatedCipher(secret[:], xnonce[:])
	if err != nil {
		return fmt.Errorf("chacha20 seal stream: %w", err)
	}
	c.XORKeyStream(dst, src)
	return nil
}

func sealTag(secret [32]byte, nonce crypto.Nonce, ct []byte) [sealTagSize]byte {
	h, _ := blake2b.New256(secret[:])
	h.Write(nonce[:])
	h.Write(ct)
	sum := h.Sum(nil)
	var tag [sealTagSize]byte
	copy(tag[:], sum[:sealTagSize])
	return tag
}
