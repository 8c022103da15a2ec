package transfer

import (
	"errors"
	"fmt"

	"github.com/vaultpay/confidential/internal/circuit"
	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/escrow"
	"github.com/vaultpay/confidential/internal/event"
	"github.com/vaultpay/confidential/internal/safemath"
	"github.com/vaultpay/confidential/internal/store"
)

// ResolveTransferCallback consumes a computation result for a single
// transfer exactly once. Verification against the recorded cluster identity
// happens before any decoding; an unauthenticated message never transitions
// state. A verified result always transitions the request terminally:
// Released on a valid flag, Aborted otherwise.
func (e *Engine) ResolveTransferCallback(handle comp.Handle, result comp.SignedResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.custody.GetTransferRequest(handle)
	if errors.Is(err, store.ErrNotFound) {
		return ErrComputationNotPending
	}
	if err != nil {
		return err
	}
	if req.State != escrow.StatePendingValidation {
		return fmt.Errorf("%w: state %s", ErrComputationNotPending, req.State)
	}

	if e.verifier == nil {
		return ErrClusterNotSet
	}
	if err := e.verifier.Verify(handle, req.Circuit, result); err != nil {
		return fmt.Errorf("%w: %w", ErrAbortedComputation, err)
	}

	validation, err := circuit.DecodeTransferValidation(result.Output)
	if err != nil {
		if aerr := e.abortTransfer(req, escrow.OutcomeInvalidResult, result.Sealed); aerr != nil {
			return aerr
		}
		return fmt.Errorf("%w: %v", ErrAbortedComputation, err)
	}

	if validation.IsValid == 0 {
		if aerr := e.abortTransfer(req, escrow.OutcomeInsufficientBalance, result.Sealed); aerr != nil {
			return aerr
		}
		return ErrInsufficientBalance
	}

	// The settled amount must match the custody lock exactly; anything else
	// is a malformed result and must not move funds.
	if validation.AmountLamports != req.AmountLamports {
		if aerr := e.abortTransfer(req, escrow.OutcomeInvalidResult, result.Sealed); aerr != nil {
			return aerr
		}
		return fmt.Errorf("%w: settled amount %d does not match lock %d",
			ErrAbortedComputation, validation.AmountLamports, req.AmountLamports)
	}

	if err := e.releaseTransfer(&req, validation.AmountLamports, result.Sealed); err != nil {
		return err
	}

	e.emitter.Emit(event.TransferCompleted{
		Recipient:       req.Recipient,
		AmountLamports:  validation.AmountLamports,
		EncryptedAmount: req.EncryptedAmount,
		Nonce:           req.Nonce,
	})
	return nil
}

// releaseTransfer moves the settled amount escrow → recipient and marks the
// request Released, all in one atomic batch.
func (e *Engine) releaseTransfer(req *escrow.TransferRequest, settled uint64, sealed []byte) error {
	entry, err := e.custody.GetEscrowEntry(req.EscrowID)
	if err != nil {
		return fmt.Errorf("load escrow entry: %w", err)
	}
	if err := entry.Debit(settled); err != nil {
		return err
	}

	recipientBalance, err := e.ledger.GetBalance(req.Recipient)
	if err != nil {
		return err
	}
	newBalance, ok := safemath.Add64(recipientBalance, settled)
	if !ok {
		return safemath.ErrOverflow
	}

	batch := e.kv.NewBatch()
	defer batch.Close()

	if entry.Held == 0 {
		if err := e.custody.DeleteEscrowEntryInBatch(batch, entry.ID); err != nil {
			return err
		}
	} else {
		if err := e.custody.PutEscrowEntryInBatch(batch, entry); err != nil {
			return err
		}
	}
	if err := e.ledger.PutBalanceInBatch(batch, req.Recipient, newBalance); err != nil {
		return err
	}

	req.State = escrow.StateReleased
	req.Outcome = escrow.OutcomeSettled
	req.SettledLamports = settled
	req.SealedResult = sealed
	if err := e.custody.PutTransferRequestInBatch(batch, *req); err != nil {
		return err
	}
	return batch.Commit()
}

// abortTransfer marks a request terminally aborted. No funds move; the
// escrow entry keeps holding the lock.
func (e *Engine) abortTransfer(req escrow.TransferRequest, outcome escrow.Outcome, sealed []byte) error {
	req.State = escrow.StateAborted
	req.Outcome = outcome
	req.SealedResult = sealed

	batch := e.kv.NewBatch()
	defer batch.Close()

	if err := e.custody.PutTransferRequestInBatch(batch, req); err != nil {
		return err
	}
	return batch.Commit()
}

// ResolveBatchCallback consumes a payroll batch result exactly once. On an
// all-valid bitmap every declared entry is paid from escrow in one atomic
// batch; otherwise nothing moves.
func (e *Engine) ResolveBatchCallback(handle comp.Handle, result comp.SignedResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.custody.GetBatchRequest(handle)
	if errors.Is(err, store.ErrNotFound) {
		return ErrComputationNotPending
	}
	if err != nil {
		return err
	}
	if req.State != escrow.StatePendingValidation {
		return fmt.Errorf("%w: state %s", ErrComputationNotPending, req.State)
	}

	if e.verifier == nil {
		return ErrClusterNotSet
	}
	if err := e.verifier.Verify(handle, req.Circuit, result); err != nil {
		return fmt.Errorf("%w: %w", ErrAbortedComputation, err)
	}

	batchResult, err := circuit.DecodeBatchPayrollResult(result.Output)
	if err != nil {
		if aerr := e.abortBatch(req, escrow.OutcomeInvalidResult, result.Sealed); aerr != nil {
			return aerr
		}
		return fmt.Errorf("%w: %v", ErrAbortedComputation, err)
	}

	// The echoed timestamp binds the result to this submission.
	if batchResult.Timestamp != req.Timestamp {
		if aerr := e.abortBatch(req, escrow.OutcomeInvalidResult, result.Sealed); aerr != nil {
			return aerr
		}
		return fmt.Errorf("%w: timestamp echo mismatch", ErrAbortedComputation)
	}

	if batchResult.ValidCount == 0 && batchResult.ValidBitmap == 0 {
		if aerr := e.abortBatch(req, escrow.OutcomeInsufficientBalance, result.Sealed); aerr != nil {
			return aerr
		}
		return ErrInsufficientBalance
	}

	expectedBitmap := uint16(1)<<req.DeclaredCount - 1
	if batchResult.ValidBitmap != expectedBitmap ||
		batchResult.ValidCount != req.DeclaredCount ||
		batchResult.TotalAmount != req.TotalLamports {
		if aerr := e.abortBatch(req, escrow.OutcomeInvalidResult, result.Sealed); aerr != nil {
			return aerr
		}
		return fmt.Errorf("%w: partial batch settlement is not allowed", ErrAbortedComputation)
	}

	if err := e.releaseBatch(&req, result.Sealed); err != nil {
		return err
	}

	e.emitter.Emit(event.BatchCompleted{
		Sender:        req.Sender,
		TotalLamports: req.TotalLamports,
		ValidCount:    req.DeclaredCount,
		Handle:        handle,
	})
	return nil
}

// releaseBatch pays every declared entry its amount from escrow.
func (e *Engine) releaseBatch(req *escrow.BatchRequest, sealed []byte) error {
	entry, err := e.custody.GetEscrowEntry(req.EscrowID)
	if err != nil {
		return fmt.Errorf("load escrow entry: %w", err)
	}
	if err := entry.Debit(req.TotalLamports); err != nil {
		return err
	}

	// A payee may appear more than once; stage credits per account.
	credits := make(map[crypto.AccountID]uint64, len(req.Entries))
	order := make([]crypto.AccountID, 0, len(req.Entries))
	for _, be := range req.Entries {
		if _, seen := credits[be.Payee]; !seen {
			balance, err := e.ledger.GetBalance(be.Payee)
			if err != nil {
				return err
			}
			credits[be.Payee] = balance
			order = append(order, be.Payee)
		}
		next, ok := safemath.Add64(credits[be.Payee], be.AmountLamports)
		if !ok {
			return safemath.ErrOverflow
		}
		credits[be.Payee] = next
	}

	batch := e.kv.NewBatch()
	defer batch.Close()

	if entry.Held == 0 {
		if err := e.custody.DeleteEscrowEntryInBatch(batch, entry.ID); err != nil {
			return err
		}
	} else {
		if err := e.custody.PutEscrowEntryInBatch(batch, entry); err != nil {
			return err
		}
	}
	for _, payee := range order {
		if err := e.ledger.PutBalanceInBatch(batch, payee, credits[payee]); err != nil {
			return err
		}
	}

	req.State = escrow.StateReleased
	req.Outcome = escrow.OutcomeSettled
	req.SealedResult = sealed
	if err := e.custody.PutBatchRequestInBatch(batch, *req); err != nil {
		return err
	}
	return batch.Commit()
}

func (e *Engine) abortBatch(req escrow.BatchRequest, outcome escrow.Outcome, sealed []byte) error {
	req.State = escrow.StateAborted
	req.Outcome = outcome
	req.SealedResult = sealed

	batch := e.kv.NewBatch()
	defer batch.Close()

	if err := e.custody.PutBatchRequestInBatch(batch, req); err != nil {
		return err
	}
	return batch.Commit()
}
