package transfer

import "errors"

var (
	// ErrAbortedComputation means the cluster's signed result failed
	// verification or decoded to an unexpected shape.
	ErrAbortedComputation = errors.New("the computation was aborted")
	// ErrClusterNotSet means the cluster identity or service is not
	// configured; requests fail before any funds move.
	ErrClusterNotSet = errors.New("cluster not set")
	// ErrInsufficientBalance means the circuit rejected the transfer;
	// terminal and non-retryable for that handle.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrComputationNotPending means the handle is unknown or already
	// consumed; duplicate deliveries land here and change nothing.
	ErrComputationNotPending = errors.New("computation is not pending")
	// ErrInsufficientFunds means the payer cannot cover the escrow lock.
	ErrInsufficientFunds = errors.New("payer funds cannot cover the escrow lock")
	// ErrHandleInUse means a request with the same derived handle already
	// exists; the nonce was reused.
	ErrHandleInUse = errors.New("computation handle already in use")
	// ErrRefundNotDue means the pending deadline has not passed yet.
	ErrRefundNotDue = errors.New("refund requested before the pending deadline")
	// ErrRefundUnavailable means the request's escrow no longer holds funds.
	ErrRefundUnavailable = errors.New("no escrowed funds left to refund")
	// ErrBatchSize means the payroll batch has no entries or more than the
	// circuit can read.
	ErrBatchSize = errors.New("batch must declare between 1 and 10 entries")
)
