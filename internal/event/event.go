// Package event defines the notifications observers may read. Queued events
// carry only encrypted data; plaintext amounts appear first at settlement.
package event

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vaultpay/confidential/internal/cipher"
	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/escrow"
)

// TransferQueued is emitted when a transfer's funds are locked and its
// computation is queued. Observers see only encrypted fields and the handle.
type TransferQueued struct {
	Sender          crypto.AccountID
	Recipient       crypto.AccountID
	EncryptedAmount cipher.Ciphertext
	Nonce           crypto.Nonce
	Handle          comp.Handle
	Escrow          escrow.ID
}

// TransferCompleted is emitted after a verified valid result releases
// escrow funds; the settled amount is revealed here.
type TransferCompleted struct {
	Recipient       crypto.AccountID
	AmountLamports  uint64
	EncryptedAmount cipher.Ciphertext
	Nonce           crypto.Nonce
}

// TransferRefunded is emitted when an expired pending request returns its
// locked funds to the payer.
type TransferRefunded struct {
	Sender         crypto.AccountID
	AmountLamports uint64
	Handle         comp.Handle
}

// BatchQueued is emitted when a payroll batch locks its total and queues
// validation.
type BatchQueued struct {
	Sender     crypto.AccountID
	EntryCount uint8
	Nonce      crypto.Nonce
	Handle     comp.Handle
	Escrow     escrow.ID
}

// BatchCompleted is emitted after an all-valid batch result pays every
// entry from escrow.
type BatchCompleted struct {
	Sender        crypto.AccountID
	TotalLamports uint64
	ValidCount    uint8
	Handle        comp.Handle
}

// Emitter receives protocol events. Implementations must not mutate them.
type Emitter interface {
	Emit(evt any)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(any) {}

// LogEmitter writes events to a zerolog logger.
type LogEmitter struct {
	Logger zerolog.Logger
}

func (l LogEmitter) Emit(evt any) {
	switch e := evt.(type) {
	case TransferQueued:
		l.Logger.Info().
			Str("sender", e.Sender.String()).
			Str("recipient", e.Recipient.String()).
			Str("handle", e.Handle.String()).
			Str("escrow", e.Escrow.String()).
			Msg("transfer queued")
	case TransferCompleted:
		l.Logger.Info().
			Str("recipient", e.Recipient.String()).
			Uint64("amount_lamports", e.AmountLamports).
			Msg("transfer completed")
	case TransferRefunded:
		l.Logger.Info().
			Str("sender", e.Sender.String()).
			Uint64("amount_lamports", e.AmountLamports).
			Str("handle", e.Handle.String()).
			Msg("transfer refunded")
	case BatchQueued:
		l.Logger.Info().
			Str("sender", e.Sender.String()).
			Uint8("entry_count", e.EntryCount).
			Str("handle", e.Handle.String()).
			Msg("batch queued")
	case BatchCompleted:
		l.Logger.Info().
			Str("sender", e.Sender.String()).
			Uint64("total_lamports", e.TotalLamports).
			Uint8("valid_count", e.ValidCount).
			Msg("batch completed")
	default:
		l.Logger.Debug().Msgf("unknown event %T", evt)
	}
}

// MemoryEmitter collects events for tests.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []any
}

func (m *MemoryEmitter) Emit(evt any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

// Events returns a snapshot of everything emitted so far.
func (m *MemoryEmitter) Events() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.events))
	copy(out, m.events)
	return out
}
