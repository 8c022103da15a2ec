// Package circuit holds the validation functions the MPC cluster executes
// over decrypted-in-place inputs. They are pure: they never touch custody
// state and never mutate their inputs' source of truth. The host only ever
// sees their outputs through a signed, encrypted result record.
package circuit

import "github.com/vaultpay/confidential/internal/safemath"

// MaxBatchEntries bounds a payroll batch; entries beyond it are never read.
const MaxBatchEntries = 10

// Validation reason codes carried by the auditable circuit.
const (
	ReasonSuccess             uint8 = 0
	ReasonInsufficientBalance uint8 = 1
)

// TransferInput is the decrypted input of the basic transfer circuit.
type TransferInput struct {
	AmountLamports        uint64
	SenderBalanceLamports uint64
}

// TransferValidation is the basic circuit result: the amount echoed
// unchanged and a validity flag.
type TransferValidation struct {
	AmountLamports uint64
	IsValid        uint8
}

// AuditableTransferInput extends the basic input with audit-trail fields
// that are passed through to the sealed result, not independently sourced.
type AuditableTransferInput struct {
	AmountLamports        uint64
	SenderBalanceLamports uint64
	PayeeID               uint64
	Timestamp             uint64
}

// AuditableTransferResult is sealed to the auditor's key; only the auditor
// can decrypt it. Addressing is the access control, not a permission check.
type AuditableTransferResult struct {
	AmountLamports uint64
	IsValid        uint8
	PayeeID        uint64
	Timestamp      uint64
	ReasonCode     uint8
}

// BatchPayrollEntry is one payment in a batch.
type BatchPayrollEntry struct {
	AmountLamports uint64
	PayeeID        uint64
}

// BatchPayrollInput carries up to MaxBatchEntries payments validated against
// one shared balance snapshot.
type BatchPayrollInput struct {
	Entries               [MaxBatchEntries]BatchPayrollEntry
	EntryCount            uint8
	SenderBalanceLamports uint64
	Timestamp             uint64
}

// BatchPayrollResult reports the all-or-nothing outcome. The timestamp is
// echoed unchanged so callers can verify replay/ordering.
type BatchPayrollResult struct {
	ValidBitmap uint16
	TotalAmount uint64
	ValidCount  uint8
	Timestamp   uint64
}

// ValidateTransfer checks the sender balance covers the amount.
func ValidateTransfer(input TransferInput) TransferValidation {
	var isValid uint8
	if input.SenderBalanceLamports >= input.AmountLamports {
		isValid = 1
	}
	return TransferValidation{
		AmountLamports: input.AmountLamports,
		IsValid:        isValid,
	}
}

// ValidateAuditableTransfer performs the same balance check and carries the
// audit-trail fields through with a reason code.
func ValidateAuditableTransfer(input AuditableTransferInput) AuditableTransferResult {
	isValid, reason := uint8(1), ReasonSuccess
	if input.SenderBalanceLamports < input.AmountLamports {
		isValid, reason = 0, ReasonInsufficientBalance
	}
	return AuditableTransferResult{
		AmountLamports: input.AmountLamports,
		IsValid:        isValid,
		PayeeID:        input.PayeeID,
		Timestamp:      input.Timestamp,
		ReasonCode:     reason,
	}
}

// ValidateBatchPayroll validates all declared entries against the shared
// balance. Either every declared entry is valid or none are; there is no
// partial settlement. The total uses saturating addition so an overflowing
// batch clamps to the maximum and fails the balance check rather than
// wrapping around.
func ValidateBatchPayroll(input BatchPayrollInput) BatchPayrollResult {
	count := input.EntryCount
	if count > MaxBatchEntries {
		count = MaxBatchEntries
	}

	var total uint64
	for i := uint8(0); i < count; i++ {
		total = safemath.SaturatingAdd64(total, input.Entries[i].AmountLamports)
	}

	var bitmap uint16
	var validCount uint8
	if input.SenderBalanceLamports >= total {
		for i := uint8(0); i < count; i++ {
			bitmap |= 1 << i
		}
		validCount = count
	} else {
		total = 0
	}

	return BatchPayrollResult{
		ValidBitmap: bitmap,
		TotalAmount: total,
		ValidCount:  validCount,
		Timestamp:   input.Timestamp,
	}
}
