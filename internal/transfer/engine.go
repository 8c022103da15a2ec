// Package transfer implements the escrow hold-and-release protocol: the
// orchestrator that locks funds and queues validation, and the callback
// resolver that consumes each computation result exactly once.
package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/escrow"
	"github.com/vaultpay/confidential/internal/event"
	"github.com/vaultpay/confidential/internal/store"
	"github.com/vaultpay/confidential/pkg/db"
)

// DefaultPendingTTL bounds how long a request may sit in PendingValidation
// before its funds become refundable.
const DefaultPendingTTL = 24 * time.Hour

// Engine coordinates custody with the external computation. Each operation
// is a single atomic, non-reentrant step; all pending state lives in the
// store so a callback can resume after the submitting session ends.
type Engine struct {
	mu         sync.Mutex
	kv         db.KVStore
	ledger     *store.Ledger
	custody    *store.Custody
	verifier   *comp.Verifier
	service    comp.Service
	emitter    event.Emitter
	pendingTTL time.Duration
	now        func() time.Time
}

// Config wires an Engine. DB is required; Verifier and Service may be nil,
// in which case submissions fail with ErrClusterNotSet until configured.
type Config struct {
	DB         db.KVStore
	Verifier   *comp.Verifier
	Service    comp.Service
	Emitter    event.Emitter
	PendingTTL time.Duration
	Now        func() time.Time
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("transfer engine requires a store")
	}
	e := &Engine{
		kv:         cfg.DB,
		ledger:     store.NewLedger(cfg.DB),
		custody:    store.NewCustody(cfg.DB),
		verifier:   cfg.Verifier,
		service:    cfg.Service,
		emitter:    cfg.Emitter,
		pendingTTL: cfg.PendingTTL,
		now:        cfg.Now,
	}
	if e.emitter == nil {
		e.emitter = event.NopEmitter{}
	}
	if e.pendingTTL <= 0 {
		e.pendingTTL = DefaultPendingTTL
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Ledger exposes balance reads for callers funding or inspecting accounts.
func (e *Engine) Ledger() *store.Ledger {
	return e.ledger
}

// GetTransfer returns the stored request for a handle.
func (e *Engine) GetTransfer(handle comp.Handle) (escrow.TransferRequest, error) {
	req, err := e.custody.GetTransferRequest(handle)
	if errors.Is(err, store.ErrNotFound) {
		return escrow.TransferRequest{}, ErrComputationNotPending
	}
	return req, err
}

// GetBatch returns the stored payroll batch for a handle.
func (e *Engine) GetBatch(handle comp.Handle) (escrow.BatchRequest, error) {
	req, err := e.custody.GetBatchRequest(handle)
	if errors.Is(err, store.ErrNotFound) {
		return escrow.BatchRequest{}, ErrComputationNotPending
	}
	return req, err
}

// GetEscrowEntry returns the custody record for a derived escrow identity.
func (e *Engine) GetEscrowEntry(id escrow.ID) (escrow.Entry, error) {
	return e.custody.GetEscrowEntry(id)
}

// ready fails before any funds move when the external collaborators are
// not configured.
func (e *Engine) ready() error {
	if e.verifier == nil || e.service == nil {
		return ErrClusterNotSet
	}
	return nil
}

// lockToEscrow stages the unconditional payer → escrow move inside batch.
// It must happen before the computation request is submitted so the funds
// exist to release on success and cannot be reused while pending.
func (e *Engine) lockToEscrow(batch db.Batch, payer crypto.AccountID, escrowID escrow.ID, amount uint64) (escrow.Entry, error) {
	balance, err := e.ledger.GetBalance(payer)
	if err != nil {
		return escrow.Entry{}, err
	}
	if balance < amount {
		return escrow.Entry{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, balance, amount)
	}

	entry, err := e.custody.GetEscrowEntry(escrowID)
	if errors.Is(err, store.ErrNotFound) {
		entry = escrow.Entry{ID: escrowID}
	} else if err != nil {
		return escrow.Entry{}, err
	}
	if err := entry.Credit(amount); err != nil {
		return escrow.Entry{}, err
	}

	if err := e.ledger.PutBalanceInBatch(batch, payer, balance-amount); err != nil {
		return escrow.Entry{}, err
	}
	if err := e.custody.PutEscrowEntryInBatch(batch, entry); err != nil {
		return escrow.Entry{}, err
	}
	return entry, nil
}

// unlockFromEscrow reverses a lock when queueing the computation failed
// after the custody batch committed.
func (e *Engine) unlockFromEscrow(payer crypto.AccountID, escrowID escrow.ID, amount uint64) error {
	batch := e.kv.NewBatch()
	defer batch.Close()

	balance, err := e.ledger.GetBalance(payer)
	if err != nil {
		return err
	}
	entry, err := e.custody.GetEscrowEntry(escrowID)
	if err != nil {
		return err
	}
	if err := entry.Debit(amount); err != nil {
		return err
	}
	if err := e.ledger.PutBalanceInBatch(batch, payer, balance+amount); err != nil {
		return err
	}
	if entry.Held == 0 {
		if err := e.custody.DeleteEscrowEntryInBatch(batch, entry.ID); err != nil {
			return err
		}
	} else {
		if err := e.custody.PutEscrowEntryInBatch(batch, entry); err != nil {
			return err
		}
	}
	return batch.Commit()
}

func (e *Engine) deadline() int64 {
	return e.now().Add(e.pendingTTL).Unix()
}
