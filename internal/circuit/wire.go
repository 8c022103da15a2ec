package circuit

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decrypted result layouts: fields concatenated in declaration order,
// integers little-endian. The resolver must decode exactly these offsets and
// reject any payload of unexpected length.
const (
	TransferValidationSize      = 9  // amount u64 | flag u8
	AuditableTransferResultSize = 26 // amount u64 | flag u8 | payee u64 | timestamp u64 | reason u8
	BatchPayrollResultSize      = 19 // bitmap u16 | total u64 | count u8 | timestamp u64
)

var ErrUnexpectedLength = errors.New("result payload has unexpected length")

// Encode returns the 9-byte wire form of a basic transfer validation.
func (v TransferValidation) Encode() []byte {
	out := make([]byte, TransferValidationSize)
	binary.LittleEndian.PutUint64(out[0:8], v.AmountLamports)
	out[8] = v.IsValid
	return out
}

// DecodeTransferValidation parses the 9-byte basic result layout.
func DecodeTransferValidation(data []byte) (TransferValidation, error) {
	if len(data) != TransferValidationSize {
		return TransferValidation{}, fmt.Errorf("%w: got %d, want %d", ErrUnexpectedLength, len(data), TransferValidationSize)
	}
	return TransferValidation{
		AmountLamports: binary.LittleEndian.Uint64(data[0:8]),
		IsValid:        data[8],
	}, nil
}

// Encode returns the 26-byte wire form of an auditable transfer result.
func (r AuditableTransferResult) Encode() []byte {
	out := make([]byte, AuditableTransferResultSize)
	binary.LittleEndian.PutUint64(out[0:8], r.AmountLamports)
	out[8] = r.IsValid
	binary.LittleEndian.PutUint64(out[9:17], r.PayeeID)
	binary.LittleEndian.PutUint64(out[17:25], r.Timestamp)
	out[25] = r.ReasonCode
	return out
}

// DecodeAuditableTransferResult parses the 26-byte auditable result layout.
func DecodeAuditableTransferResult(data []byte) (AuditableTransferResult, error) {
	if len(data) != AuditableTransferResultSize {
		return AuditableTransferResult{}, fmt.Errorf("%w: got %d, want %d", ErrUnexpectedLength, len(data), AuditableTransferResultSize)
	}
	return AuditableTransferResult{
		AmountLamports: binary.LittleEndian.Uint64(data[0:8]),
		IsValid:        data[8],
		PayeeID:        binary.LittleEndian.Uint64(data[9:17]),
		Timestamp:      binary.LittleEndian.Uint64(data[17:25]),
		ReasonCode:     data[25],
	}, nil
}

// Encode returns the 19-byte wire form of a batch payroll result.
func (r BatchPayrollResult) Encode() []byte {
	out := make([]byte, BatchPayrollResultSize)
	binary.LittleEndian.PutUint16(out[0:2], r.ValidBitmap)
	binary.LittleEndian.PutUint64(out[2:10], r.TotalAmount)
	out[10] = r.ValidCount
	binary.LittleEndian.PutUint64(out[11:19], r.Timestamp)
	return out
}

// DecodeBatchPayrollResult parses the 19-byte batch result layout.
func DecodeBatchPayrollResult(data []byte) (BatchPayrollResult, error) {
	if len(data) != BatchPayrollResultSize {
		return BatchPayrollResult{}, fmt.Errorf("%w: got %d, want %d", ErrUnexpectedLength, len(data), BatchPayrollResultSize)
	}
	return BatchPayrollResult{
		ValidBitmap: binary.LittleEndian.Uint16(data[0:2]),
		TotalAmount: binary.LittleEndian.Uint64(data[2:10]),
		ValidCount:  data[10],
		Timestamp:   binary.LittleEndian.Uint64(data[11:19]),
	}, nil
}
