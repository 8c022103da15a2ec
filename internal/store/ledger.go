package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/pkg/db"
	"github.com/vaultpay/confidential/pkg/db/pebble"
)

// Ledger persists spendable account balances.
type Ledger struct {
	db.KVStore
}

// NewLedger creates a new ledger store using KVStore
func NewLedger(db db.KVStore) *Ledger {
	return &Ledger{KVStore: db}
}

// GetBalance returns an account's spendable lamports. An account with no
// record has a zero balance.
func (l *Ledger) GetBalance(account crypto.AccountID) (uint64, error) {
	bytes, err := l.Get(makeKey(prefixBalance, account[:]))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if len(bytes) != 8 {
		return 0, fmt.Errorf("balance record has %d bytes, want 8", len(bytes))
	}
	return binary.LittleEndian.Uint64(bytes), nil
}

// PutBalance stores an account's spendable lamports.
func (l *Ledger) PutBalance(account crypto.AccountID, lamports uint64) error {
	if err := l.Put(balanceKey(account), encodeBalance(lamports)); err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

// PutBalanceInBatch stages a balance write inside an atomic batch.
func (l *Ledger) PutBalanceInBatch(batch db.Batch, account crypto.AccountID, lamports uint64) error {
	if err := batch.Put(balanceKey(account), encodeBalance(lamports)); err != nil {
		return fmt.Errorf("batch put balance: %w", err)
	}
	return nil
}

func balanceKey(account crypto.AccountID) []byte {
	return makeKey(prefixBalance, account[:])
}

func encodeBalance(lamports uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, lamports)
	return out
}
