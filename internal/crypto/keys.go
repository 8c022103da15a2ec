package crypto

import "encoding/hex"

// AccountID identifies a ledger account holding lamports.
type AccountID [AccountIDSize]byte

// X25519PublicKey is an ephemeral or long-lived key used to address
// encrypted payloads and sealed results.
type X25519PublicKey [X25519PublicKeySize]byte

// Nonce is the 128-bit encryption nonce carried in plaintext alongside
// encrypted request fields.
type Nonce [NonceSize]byte

func (a AccountID) String() string {
	return hex.EncodeToString(a[:])
}

func (a AccountID) IsZero() bool {
	return a == AccountID{}
}
