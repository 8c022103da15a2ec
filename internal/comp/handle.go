package comp

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/vaultpay/confidential/internal/crypto"
)

const handleContext = "vaultpay/confidential/computation-handle"

// CircuitID names one of the validation circuits the cluster can execute.
type CircuitID uint8

const (
	CircuitValidateTransfer CircuitID = iota + 1
	CircuitValidateAuditableTransfer
	CircuitValidateBatchPayroll
)

func (c CircuitID) String() string {
	switch c {
	case CircuitValidateTransfer:
		return "validate_transfer"
	case CircuitValidateAuditableTransfer:
		return "validate_auditable_transfer"
	case CircuitValidateBatchPayroll:
		return "validate_batch_payroll"
	default:
		return "unknown"
	}
}

// Handle is the opaque correlation token binding a request to its eventual
// result. It must be consumed exactly once by the resolver.
type Handle [32]byte

func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// DeriveHandle derives the handle from the circuit, the transfer parties,
// the request nonce and the full args payload, so two requests can only
// collide if they are byte-identical.
func DeriveHandle(circuit CircuitID, sender, recipient crypto.AccountID, nonce crypto.Nonce, payload []byte) Handle {
	material := make([]byte, 0, 1+2*crypto.AccountIDSize+crypto.NonceSize+len(payload))
	material = append(material, byte(circuit))
	material = append(material, sender[:]...)
	material = append(material, recipient[:]...)
	material = append(material, nonce[:]...)
	material = append(material, payload...)

	var handle Handle
	blake3.DeriveKey(handleContext, material, handle[:])
	return handle
}

// Request is an encrypted-input computation addressed to one circuit.
// Auditor is the sealing key for circuits with auditor-addressed output;
// it is zero for the basic transfer circuit.
type Request struct {
	Circuit CircuitID              `cbor:"1,keyasint"`
	Handle  Handle                 `cbor:"2,keyasint"`
	Payload []byte                 `cbor:"3,keyasint"`
	Auditor crypto.X25519PublicKey `cbor:"4,keyasint,omitempty"`
}

// Service is the external MPC collaborator. Queue hands a request to the
// cluster; the signed result arrives later through the callback resolver,
// correlated by handle.
type Service interface {
	Queue(ctx context.Context, req Request) error
}
