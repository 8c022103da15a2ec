package escrow

import (
	"github.com/vaultpay/confidential/internal/cipher"
	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto"
)

// State tracks a request through the hold-and-release protocol.
// Transitions: Initiated → PendingValidation → {Released | Aborted | Refunded}.
type State uint8

const (
	StateInitiated State = iota + 1
	StatePendingValidation
	StateReleased
	StateAborted
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StatePendingValidation:
		return "pending_validation"
	case StateReleased:
		return "released"
	case StateAborted:
		return "aborted"
	case StateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further callback may transition the request.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateAborted || s == StateRefunded
}

// Outcome records why a request reached its terminal state.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeSettled
	OutcomeInsufficientBalance
	OutcomeInvalidResult
	OutcomeRefunded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSettled:
		return "settled"
	case OutcomeInsufficientBalance:
		return "insufficient_balance"
	case OutcomeInvalidResult:
		return "invalid_result"
	case OutcomeRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// TransferRequest is the persisted pending state of a single confidential
// transfer. Immutable once submitted except for its state, outcome and
// settlement fields, which only the callback resolver and the refund path
// may change.
type TransferRequest struct {
	Handle          comp.Handle            `cbor:"1,keyasint"`
	Circuit         comp.CircuitID         `cbor:"2,keyasint"`
	Sender          crypto.AccountID       `cbor:"3,keyasint"`
	Recipient       crypto.AccountID       `cbor:"4,keyasint"`
	AmountLamports  uint64                 `cbor:"5,keyasint"`
	EncryptedAmount cipher.Ciphertext      `cbor:"6,keyasint"`
	EphemeralKey    crypto.X25519PublicKey `cbor:"7,keyasint"`
	Nonce           crypto.Nonce           `cbor:"8,keyasint"`
	EscrowID        ID                     `cbor:"9,keyasint"`
	PayeeID         uint64                 `cbor:"10,keyasint,omitempty"`
	Timestamp       uint64                 `cbor:"11,keyasint,omitempty"`
	Auditor         crypto.X25519PublicKey `cbor:"12,keyasint,omitempty"`
	Deadline        int64                  `cbor:"13,keyasint"`
	State           State                  `cbor:"14,keyasint"`
	Outcome         Outcome                `cbor:"15,keyasint"`
	SettledLamports uint64                 `cbor:"16,keyasint,omitempty"`
	SealedResult    []byte                 `cbor:"17,keyasint,omitempty"`
}

// BatchEntry is one payment of a payroll batch: the plaintext custody
// amount, the audit-trail payee identifier and the ledger account paid on
// release.
type BatchEntry struct {
	AmountLamports uint64           `cbor:"1,keyasint"`
	PayeeID        uint64           `cbor:"2,keyasint"`
	Payee          crypto.AccountID `cbor:"3,keyasint"`
}

// BatchRequest is the persisted pending state of a batch payroll
// validation. Settlement is all-or-nothing across its entries.
type BatchRequest struct {
	Handle        comp.Handle            `cbor:"1,keyasint"`
	Circuit       comp.CircuitID         `cbor:"2,keyasint"`
	Sender        crypto.AccountID       `cbor:"3,keyasint"`
	Entries       []BatchEntry           `cbor:"4,keyasint"`
	DeclaredCount uint8                  `cbor:"5,keyasint"`
	TotalLamports uint64                 `cbor:"6,keyasint"`
	EphemeralKey  crypto.X25519PublicKey `cbor:"7,keyasint"`
	Nonce         crypto.Nonce           `cbor:"8,keyasint"`
	EscrowID      ID                     `cbor:"9,keyasint"`
	Timestamp     uint64                 `cbor:"10,keyasint"`
	Auditor       crypto.X25519PublicKey `cbor:"11,keyasint"`
	Deadline      int64                  `cbor:"12,keyasint"`
	State         State                  `cbor:"13,keyasint"`
	Outcome       Outcome                `cbor:"14,keyasint"`
	SealedResult  []byte                 `cbor:"15,keyasint,omitempty"`
}
