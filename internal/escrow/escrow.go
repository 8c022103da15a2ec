// Package escrow defines the custody records holding locked funds between
// request submission and callback resolution. An entry's funds may only
// move through the transfer orchestrator (inbound) or the callback resolver
// (outbound); no other path debits it.
package escrow

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"

	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/safemath"
)

// idSeed separates escrow identities from every other blake2b use.
var idSeed = []byte("vaultpay_escrow")

var (
	ErrEscrowOverflow     = errors.New("escrow held amount overflow")
	ErrEscrowInsufficient = errors.New("escrow entry does not hold the debited amount")
)

// ID is the derived identity of one custody record. Deriving it from
// (sender, recipient, nonce) gives every in-flight transfer its own record,
// so concurrent transfers never collide on shared custody state.
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// DeriveID computes the custody record identity for one transfer.
func DeriveID(sender, recipient crypto.AccountID, nonce crypto.Nonce) ID {
	h, _ := blake2b.New256(nil)
	h.Write(idSeed)
	h.Write(sender[:])
	h.Write(recipient[:])
	h.Write(nonce[:])
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// DeriveBatchID computes the custody record identity for a payroll batch,
// which has one sender and many payees. The distinct seed keeps batch
// records from ever colliding with single-transfer records.
func DeriveBatchID(sender crypto.AccountID, nonce crypto.Nonce) ID {
	h, _ := blake2b.New256(nil)
	h.Write(idSeed)
	h.Write([]byte("batch"))
	h.Write(sender[:])
	h.Write(nonce[:])
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Entry is a custody record. Held always equals the sum of funds locked for
// the in-flight request it belongs to.
type Entry struct {
	ID   ID     `cbor:"1,keyasint"`
	Held uint64 `cbor:"2,keyasint"`
}

// Credit adds locked funds to the entry.
func (e *Entry) Credit(amount uint64) error {
	held, ok := safemath.Add64(e.Held, amount)
	if !ok {
		return ErrEscrowOverflow
	}
	e.Held = held
	return nil
}

// Debit removes released funds from the entry.
func (e *Entry) Debit(amount uint64) error {
	held, ok := safemath.Sub64(e.Held, amount)
	if !ok {
		return ErrEscrowInsufficient
	}
	e.Held = held
	return nil
}
