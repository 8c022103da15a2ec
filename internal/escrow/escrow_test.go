package escrow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultpay/confidential/internal/crypto"
)

func TestDeriveID(t *testing.T) {
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	nonce := crypto.Nonce{3}

	id := DeriveID(sender, recipient, nonce)
	assert.Equal(t, id, DeriveID(sender, recipient, nonce), "derivation must be deterministic")

	// Any varying input yields a distinct custody record
	assert.NotEqual(t, id, DeriveID(crypto.AccountID{9}, recipient, nonce))
	assert.NotEqual(t, id, DeriveID(sender, crypto.AccountID{9}, nonce))
	assert.NotEqual(t, id, DeriveID(sender, recipient, crypto.Nonce{9}))
}

func TestEntryCreditDebit(t *testing.T) {
	entry := &Entry{ID: ID{1}}

	require.NoError(t, entry.Credit(60))
	assert.Equal(t, uint64(60), entry.Held)

	require.NoError(t, entry.Debit(60))
	assert.Equal(t, uint64(0), entry.Held)

	err := entry.Debit(1)
	assert.ErrorIs(t, err, ErrEscrowInsufficient)

	entry.Held = math.MaxUint64
	err = entry.Credit(1)
	assert.ErrorIs(t, err, ErrEscrowOverflow)
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateInitiated.Terminal())
	assert.False(t, StatePendingValidation.Terminal())
	assert.True(t, StateReleased.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.True(t, StateRefunded.Terminal())
}
