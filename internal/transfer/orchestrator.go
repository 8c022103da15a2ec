package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaultpay/confidential/internal/cipher"
	"github.com/vaultpay/confidential/internal/circuit"
	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/escrow"
	"github.com/vaultpay/confidential/internal/event"
	"github.com/vaultpay/confidential/internal/safemath"
	"github.com/vaultpay/confidential/internal/store"
)

// TransferParams carries one confidential transfer. AmountLamports is the
// plaintext custody amount used only for escrow bookkeeping; the encrypted
// fields are what the circuit validates.
type TransferParams struct {
	Sender           crypto.AccountID
	Recipient        crypto.AccountID
	AmountLamports   uint64
	EncryptedAmount  cipher.Ciphertext
	EncryptedBalance cipher.Ciphertext
	EphemeralKey     crypto.X25519PublicKey
	Nonce            crypto.Nonce
}

// AuditableTransferParams extends TransferParams with the audit-trail
// fields and the auditor key the result is sealed to.
type AuditableTransferParams struct {
	TransferParams
	PayeeID            uint64
	Timestamp          uint64
	EncryptedPayeeID   cipher.Ciphertext
	EncryptedTimestamp cipher.Ciphertext
	Auditor            crypto.X25519PublicKey
}

// BatchEntryParams is one payroll payment at submission time.
type BatchEntryParams struct {
	AmountLamports  uint64
	PayeeID         uint64
	Payee           crypto.AccountID
	EncryptedAmount cipher.Ciphertext
	EncryptedPayee  cipher.Ciphertext
}

// BatchParams carries a payroll batch of up to ten payments validated
// against one shared balance snapshot.
type BatchParams struct {
	Sender             crypto.AccountID
	Entries            []BatchEntryParams
	DeclaredCount      uint8
	EncryptedBalance   cipher.Ciphertext
	EncryptedCount     cipher.Ciphertext
	Timestamp          uint64
	EncryptedTimestamp cipher.Ciphertext
	EphemeralKey       crypto.X25519PublicKey
	Nonce              crypto.Nonce
	Auditor            crypto.X25519PublicKey
}

// InitiateTransfer locks the payer's funds in escrow and queues the basic
// validation circuit. The escrow move is unconditional and committed before
// the computation is submitted. Observers learn only encrypted data.
func (e *Engine) InitiateTransfer(ctx context.Context, p TransferParams) (comp.Handle, error) {
	if err := e.ready(); err != nil {
		return comp.Handle{}, err
	}

	payload, err := comp.NewArgsBuilder().
		X25519PublicKey(p.EphemeralKey).
		PlaintextNonce(p.Nonce).
		EncryptedU64(p.EncryptedAmount).
		EncryptedU64(p.EncryptedBalance).
		Build()
	if err != nil {
		return comp.Handle{}, fmt.Errorf("build args: %w", err)
	}

	handle := comp.DeriveHandle(comp.CircuitValidateTransfer, p.Sender, p.Recipient, p.Nonce, payload)
	req := escrow.TransferRequest{
		Handle:          handle,
		Circuit:         comp.CircuitValidateTransfer,
		Sender:          p.Sender,
		Recipient:       p.Recipient,
		AmountLamports:  p.AmountLamports,
		EncryptedAmount: p.EncryptedAmount,
		EphemeralKey:    p.EphemeralKey,
		Nonce:           p.Nonce,
		EscrowID:        escrow.DeriveID(p.Sender, p.Recipient, p.Nonce),
	}
	if err := e.submitTransfer(ctx, &req, payload); err != nil {
		return comp.Handle{}, err
	}

	e.emitter.Emit(event.TransferQueued{
		Sender:          p.Sender,
		Recipient:       p.Recipient,
		EncryptedAmount: p.EncryptedAmount,
		Nonce:           p.Nonce,
		Handle:          handle,
		Escrow:          req.EscrowID,
	})
	return handle, nil
}

// InitiateAuditableTransfer behaves like InitiateTransfer but targets the
// auditor-sealed circuit: the full validation detail is encrypted to the
// auditor's key, the resolver only sees the settled amount and flag.
func (e *Engine) InitiateAuditableTransfer(ctx context.Context, p AuditableTransferParams) (comp.Handle, error) {
	if err := e.ready(); err != nil {
		return comp.Handle{}, err
	}

	payload, err := comp.NewArgsBuilder().
		X25519PublicKey(p.EphemeralKey).
		PlaintextNonce(p.Nonce).
		EncryptedU64(p.EncryptedAmount).
		EncryptedU64(p.EncryptedBalance).
		EncryptedU64(p.EncryptedPayeeID).
		EncryptedU64(p.EncryptedTimestamp).
		Build()
	if err != nil {
		return comp.Handle{}, fmt.Errorf("build args: %w", err)
	}

	handle := comp.DeriveHandle(comp.CircuitValidateAuditableTransfer, p.Sender, p.Recipient, p.Nonce, payload)
	req := escrow.TransferRequest{
		Handle:          handle,
		Circuit:         comp.CircuitValidateAuditableTransfer,
		Sender:          p.Sender,
		Recipient:       p.Recipient,
		AmountLamports:  p.AmountLamports,
		EncryptedAmount: p.EncryptedAmount,
		EphemeralKey:    p.EphemeralKey,
		Nonce:           p.Nonce,
		EscrowID:        escrow.DeriveID(p.Sender, p.Recipient, p.Nonce),
		PayeeID:         p.PayeeID,
		Timestamp:       p.Timestamp,
		Auditor:         p.Auditor,
	}
	if err := e.submitTransfer(ctx, &req, payload); err != nil {
		return comp.Handle{}, err
	}

	e.emitter.Emit(event.TransferQueued{
		Sender:          p.Sender,
		Recipient:       p.Recipient,
		EncryptedAmount: p.EncryptedAmount,
		Nonce:           p.Nonce,
		Handle:          handle,
		Escrow:          req.EscrowID,
	})
	return handle, nil
}

// submitTransfer commits the lock and pending record atomically, then
// queues the computation. A queue failure rolls the lock back.
func (e *Engine) submitTransfer(ctx context.Context, req *escrow.TransferRequest, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.custody.GetTransferRequest(req.Handle); err == nil {
		return ErrHandleInUse
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	req.State = escrow.StatePendingValidation
	req.Deadline = e.deadline()

	batch := e.kv.NewBatch()
	defer batch.Close()

	if _, err := e.lockToEscrow(batch, req.Sender, req.EscrowID, req.AmountLamports); err != nil {
		return err
	}
	if err := e.custody.PutTransferRequestInBatch(batch, *req); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit escrow lock: %w", err)
	}

	if err := e.service.Queue(ctx, comp.Request{
		Circuit: req.Circuit,
		Handle:  req.Handle,
		Payload: payload,
		Auditor: req.Auditor,
	}); err != nil {
		if uerr := e.unlockTransfer(*req); uerr != nil {
			return fmt.Errorf("queue computation: %w (rollback failed: %v)", err, uerr)
		}
		return fmt.Errorf("queue computation: %w", err)
	}
	return nil
}

func (e *Engine) unlockTransfer(req escrow.TransferRequest) error {
	if err := e.unlockFromEscrow(req.Sender, req.EscrowID, req.AmountLamports); err != nil {
		return err
	}
	return e.custody.DeleteTransferRequest(req.Handle)
}

// InitiateBatchPayroll locks the saturating sum of the declared entries and
// queues the batch circuit. Settlement is all-or-nothing.
func (e *Engine) InitiateBatchPayroll(ctx context.Context, p BatchParams) (comp.Handle, error) {
	if err := e.ready(); err != nil {
		return comp.Handle{}, err
	}
	if len(p.Entries) == 0 || len(p.Entries) > circuit.MaxBatchEntries {
		return comp.Handle{}, ErrBatchSize
	}
	if p.DeclaredCount == 0 || int(p.DeclaredCount) > len(p.Entries) {
		return comp.Handle{}, fmt.Errorf("%w: declared %d of %d", ErrBatchSize, p.DeclaredCount, len(p.Entries))
	}

	builder := comp.NewArgsBuilder().
		X25519PublicKey(p.EphemeralKey).
		PlaintextNonce(p.Nonce)
	for i := uint8(0); i < p.DeclaredCount; i++ {
		builder.EncryptedU64(p.Entries[i].EncryptedAmount)
		builder.EncryptedU64(p.Entries[i].EncryptedPayee)
	}
	payload, err := builder.
		EncryptedU64(p.EncryptedCount).
		EncryptedU64(p.EncryptedBalance).
		EncryptedU64(p.EncryptedTimestamp).
		Build()
	if err != nil {
		return comp.Handle{}, fmt.Errorf("build args: %w", err)
	}

	var total uint64
	entries := make([]escrow.BatchEntry, p.DeclaredCount)
	for i := uint8(0); i < p.DeclaredCount; i++ {
		total = safemath.SaturatingAdd64(total, p.Entries[i].AmountLamports)
		entries[i] = escrow.BatchEntry{
			AmountLamports: p.Entries[i].AmountLamports,
			PayeeID:        p.Entries[i].PayeeID,
			Payee:          p.Entries[i].Payee,
		}
	}

	handle := comp.DeriveHandle(comp.CircuitValidateBatchPayroll, p.Sender, crypto.AccountID{}, p.Nonce, payload)
	req := escrow.BatchRequest{
		Handle:        handle,
		Circuit:       comp.CircuitValidateBatchPayroll,
		Sender:        p.Sender,
		Entries:       entries,
		DeclaredCount: p.DeclaredCount,
		TotalLamports: total,
		EphemeralKey:  p.EphemeralKey,
		Nonce:         p.Nonce,
		EscrowID:      escrow.DeriveBatchID(p.Sender, p.Nonce),
		Timestamp:     p.Timestamp,
		Auditor:       p.Auditor,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.custody.GetBatchRequest(handle); err == nil {
		return comp.Handle{}, ErrHandleInUse
	} else if !errors.Is(err, store.ErrNotFound) {
		return comp.Handle{}, err
	}

	req.State = escrow.StatePendingValidation
	req.Deadline = e.deadline()

	batch := e.kv.NewBatch()
	defer batch.Close()

	if _, err := e.lockToEscrow(batch, req.Sender, req.EscrowID, req.TotalLamports); err != nil {
		return comp.Handle{}, err
	}
	if err := e.custody.PutBatchRequestInBatch(batch, req); err != nil {
		return comp.Handle{}, err
	}
	if err := batch.Commit(); err != nil {
		return comp.Handle{}, fmt.Errorf("commit escrow lock: %w", err)
	}

	if err := e.service.Queue(ctx, comp.Request{
		Circuit: req.Circuit,
		Handle:  handle,
		Payload: payload,
		Auditor: req.Auditor,
	}); err != nil {
		if uerr := e.unlockFromEscrow(req.Sender, req.EscrowID, req.TotalLamports); uerr != nil {
			return comp.Handle{}, fmt.Errorf("queue computation: %w (rollback failed: %v)", err, uerr)
		}
		if derr := e.custody.DeleteBatchRequest(handle); derr != nil {
			return comp.Handle{}, fmt.Errorf("queue computation: %w (rollback failed: %v)", err, derr)
		}
		return comp.Handle{}, fmt.Errorf("queue computation: %w", err)
	}

	e.emitter.Emit(event.BatchQueued{
		Sender:     p.Sender,
		EntryCount: p.DeclaredCount,
		Nonce:      p.Nonce,
		Handle:     handle,
		Escrow:     req.EscrowID,
	})
	return handle, nil
}
