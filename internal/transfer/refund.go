package transfer

import (
	"errors"
	"fmt"

	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/escrow"
	"github.com/vaultpay/confidential/internal/event"
	"github.com/vaultpay/confidential/internal/safemath"
	"github.com/vaultpay/confidential/internal/store"
)

// RefundExpired returns escrowed funds to the payer for a request whose
// deadline has passed without settlement. It covers requests that never
// received a verifiable callback and requests aborted with their lock still
// in escrow. A refunded handle is terminal; a later callback is rejected as
// not pending.
func (e *Engine) RefundExpired(handle comp.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req, err := e.custody.GetTransferRequest(handle); err == nil {
		return e.refundTransfer(req)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if req, err := e.custody.GetBatchRequest(handle); err == nil {
		return e.refundBatch(req)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return ErrComputationNotPending
}

// SweepExpired walks every stored request and refunds the ones whose funds
// have become recoverable. It returns how many requests were refunded. Meant
// to run periodically; requests that are settled, not yet due, or already
// drained are skipped.
func (e *Engine) SweepExpired() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	refunded := 0
	transfers, err := e.custody.TransferRequests()
	if err != nil {
		return refunded, err
	}
	for _, req := range transfers {
		switch err := e.refundTransfer(req); {
		case err == nil:
			refunded++
		case sweepSkippable(err):
		default:
			return refunded, err
		}
	}

	batches, err := e.custody.BatchRequests()
	if err != nil {
		return refunded, err
	}
	for _, req := range batches {
		switch err := e.refundBatch(req); {
		case err == nil:
			refunded++
		case sweepSkippable(err):
		default:
			return refunded, err
		}
	}
	return refunded, nil
}

func sweepSkippable(err error) bool {
	return errors.Is(err, ErrRefundNotDue) ||
		errors.Is(err, ErrRefundUnavailable) ||
		errors.Is(err, ErrComputationNotPending)
}

func (e *Engine) refundTransfer(req escrow.TransferRequest) error {
	if err := e.refundable(req.State, req.Deadline); err != nil {
		return err
	}

	entry, err := e.custody.GetEscrowEntry(req.EscrowID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && entry.Held == 0) {
		return ErrRefundUnavailable
	}
	if err != nil {
		return err
	}
	refund := req.AmountLamports
	if err := entry.Debit(refund); err != nil {
		return err
	}

	senderBalance, err := e.ledger.GetBalance(req.Sender)
	if err != nil {
		return err
	}
	newBalance, ok := safemath.Add64(senderBalance, refund)
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
	if err := e.ledger.PutBalanceInBatch(batch, req.Sender, newBalance); err != nil {
		return err
	}

	req.State = escrow.StateRefunded
	req.Outcome = escrow.OutcomeRefunded
	if err := e.custody.PutTransferRequestInBatch(batch, req); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	e.emitter.Emit(event.TransferRefunded{
		Sender:         req.Sender,
		AmountLamports: refund,
		Handle:         req.Handle,
	})
	return nil
}

func (e *Engine) refundBatch(req escrow.BatchRequest) error {
	if err := e.refundable(req.State, req.Deadline); err != nil {
		return err
	}

	entry, err := e.custody.GetEscrowEntry(req.EscrowID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && entry.Held == 0) {
		return ErrRefundUnavailable
	}
	if err != nil {
		return err
	}
	refund := req.TotalLamports
	if err := entry.Debit(refund); err != nil {
		return err
	}

	senderBalance, err := e.ledger.GetBalance(req.Sender)
	if err != nil {
		return err
	}
	newBalance, ok := safemath.Add64(senderBalance, refund)
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
	if err := e.ledger.PutBalanceInBatch(batch, req.Sender, newBalance); err != nil {
		return err
	}

	req.State = escrow.StateRefunded
	req.Outcome = escrow.OutcomeRefunded
	if err := e.custody.PutBatchRequestInBatch(batch, req); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	e.emitter.Emit(event.TransferRefunded{
		Sender:         req.Sender,
		AmountLamports: refund,
		Handle:         req.Handle,
	})
	return nil
}

// refundable gates the refund path: only pending requests past their
// deadline, or aborted requests whose lock never moved, may refund.
func (e *Engine) refundable(state escrow.State, deadline int64) error {
	switch state {
	case escrow.StatePendingValidation:
		if e.now().Unix() < deadline {
			return fmt.Errorf("%w: due at %d", ErrRefundNotDue, deadline)
		}
		return nil
	case escrow.StateAborted:
		return nil
	default:
		return fmt.Errorf("%w: state %s", ErrComputationNotPending, state)
	}
}
