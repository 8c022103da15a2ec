package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultpay/confidential/internal/cipher"
	"github.com/vaultpay/confidential/internal/circuit"
	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/escrow"
	"github.com/vaultpay/confidential/internal/event"
	"github.com/vaultpay/confidential/internal/mpc"
	"github.com/vaultpay/confidential/internal/store"
	"github.com/vaultpay/confidential/pkg/db/pebble"
)

type testEnv struct {
	engine  *Engine
	cluster *mpc.Cluster
	emitter *event.MemoryEmitter
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cluster, err := mpc.NewCluster()
	require.NoError(t, err)
	verifier, err := comp.NewVerifier(cluster.IdentityKey())
	require.NoError(t, err)

	emitter := &event.MemoryEmitter{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	engine, err := NewEngine(Config{
		DB:       kv,
		Verifier: verifier,
		Service:  cluster,
		Emitter:  emitter,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	return &testEnv{engine: engine, cluster: cluster, emitter: emitter, clock: clock}
}

func (env *testEnv) fund(t *testing.T, account crypto.AccountID, lamports uint64) {
	t.Helper()
	require.NoError(t, env.engine.Ledger().PutBalance(account, lamports))
}

func (env *testEnv) balance(t *testing.T, account crypto.AccountID) uint64 {
	t.Helper()
	balance, err := env.engine.Ledger().GetBalance(account)
	require.NoError(t, err)
	return balance
}

func (env *testEnv) resolveTransfer(t *testing.T, handle comp.Handle) error {
	t.Helper()
	result, ok := env.cluster.Result(handle)
	require.True(t, ok, "cluster has no result for handle")
	return env.engine.ResolveTransferCallback(handle, result)
}

func (env *testEnv) resolveBatch(t *testing.T, handle comp.Handle) error {
	t.Helper()
	result, ok := env.cluster.Result(handle)
	require.True(t, ok, "cluster has no result for handle")
	return env.engine.ResolveBatchCallback(handle, result)
}

func TestTransferReleasedOnValidResult(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	env.fund(t, sender, 100)

	params, err := EncryptTransferParams(env.cluster.EncryptionKey(), sender, recipient, 60, 100)
	require.NoError(t, err)

	handle, err := env.engine.InitiateTransfer(context.Background(), params)
	require.NoError(t, err)

	// Funds are locked before the result arrives.
	assert.Equal(t, uint64(40), env.balance(t, sender))
	entry, err := env.engine.GetEscrowEntry(escrow.DeriveID(sender, recipient, params.Nonce))
	require.NoError(t, err)
	assert.Equal(t, uint64(60), entry.Held)

	req, err := env.engine.GetTransfer(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePendingValidation, req.State)

	require.NoError(t, env.resolveTransfer(t, handle))

	assert.Equal(t, uint64(40), env.balance(t, sender))
	assert.Equal(t, uint64(60), env.balance(t, recipient))

	_, err = env.engine.GetEscrowEntry(entry.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	req, err = env.engine.GetTransfer(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, req.State)
	assert.Equal(t, escrow.OutcomeSettled, req.Outcome)
	assert.Equal(t, uint64(60), req.SettledLamports)

	events := env.emitter.Events()
	require.Len(t, events, 2)
	assert.IsType(t, event.TransferQueued{}, events[0])
	completed, ok := events[1].(event.TransferCompleted)
	require.True(t, ok)
	assert.Equal(t, uint64(60), completed.AmountLamports)
}

func TestTransferAbortsOnInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	env.fund(t, sender, 100)

	// The circuit sees a claimed balance of 50 against an amount of 60.
	params, err := EncryptTransferParams(env.cluster.EncryptionKey(), sender, recipient, 60, 50)
	require.NoError(t, err)

	handle, err := env.engine.InitiateTransfer(context.Background(), params)
	require.NoError(t, err)

	err = env.resolveTransfer(t, handle)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// No funds moved to the recipient; escrow still holds the lock.
	assert.Equal(t, uint64(40), env.balance(t, sender))
	assert.Equal(t, uint64(0), env.balance(t, recipient))
	entry, err := env.engine.GetEscrowEntry(escrow.DeriveID(sender, recipient, params.Nonce))
	require.NoError(t, err)
	assert.Equal(t, uint64(60), entry.Held)

	req, err := env.engine.GetTransfer(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateAborted, req.State)
	assert.Equal(t, escrow.OutcomeInsufficientBalance, req.Outcome)

	// Aborted locks are recoverable by the payer.
	require.NoError(t, env.engine.RefundExpired(handle))
	assert.Equal(t, uint64(100), env.balance(t, sender))

	req, err = env.engine.GetTransfer(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateRefunded, req.State)
}

func TestDuplicateCallbackIsRejected(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	env.fund(t, sender, 100)

	params, err := EncryptTransferParams(env.cluster.EncryptionKey(), sender, recipient, 60, 100)
	require.NoError(t, err)
	handle, err := env.engine.InitiateTransfer(context.Background(), params)
	require.NoError(t, err)

	require.NoError(t, env.resolveTransfer(t, handle))
	err = env.resolveTransfer(t, handle)
	require.ErrorIs(t, err, ErrComputationNotPending)

	// Balances are unchanged by the replay.
	assert.Equal(t, uint64(60), env.balance(t, recipient))
	assert.Equal(t, uint64(40), env.balance(t, sender))
}

func TestForgedResultLeavesRequestPending(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	env.fund(t, sender, 100)

	params, err := EncryptTransferParams(env.cluster.EncryptionKey(), sender, recipient, 60, 100)
	require.NoError(t, err)
	handle, err := env.engine.InitiateTransfer(context.Background(), params)
	require.NoError(t, err)

	genuine, ok := env.cluster.Result(handle)
	require.True(t, ok)

	forged := genuine
	forged.Signature = append([]byte(nil), genuine.Signature...)
	forged.Signature[0] ^= 0xff
	err = env.engine.ResolveTransferCallback(handle, forged)
	require.ErrorIs(t, err, ErrAbortedComputation)

	// An unauthenticated message never transitions state: the genuine result
	// still settles afterwards.
	req, err := env.engine.GetTransfer(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePendingValidation, req.State)

	require.NoError(t, env.engine.ResolveTransferCallback(handle, genuine))
	assert.Equal(t, uint64(60), env.balance(t, recipient))
}

func TestInitiateTransferInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	env.fund(t, sender, 10)

	params, err := EncryptTransferParams(env.cluster.EncryptionKey(), sender, recipient, 60, 10)
	require.NoError(t, err)
	_, err = env.engine.InitiateTransfer(context.Background(), params)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Nothing was persisted.
	assert.Equal(t, uint64(10), env.balance(t, sender))
	_, err = env.engine.GetEscrowEntry(escrow.DeriveID(sender, recipient, params.Nonce))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleReuseRejected(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	env.fund(t, sender, 200)

	params, err := EncryptTransferParams(env.cluster.EncryptionKey(), sender, recipient, 60, 200)
	require.NoError(t, err)

	_, err = env.engine.InitiateTransfer(context.Background(), params)
	require.NoError(t, err)

	// Byte-identical parameters derive the same handle.
	_, err = env.engine.InitiateTransfer(context.Background(), params)
	require.ErrorIs(t, err, ErrHandleInUse)
	assert.Equal(t, uint64(140), env.balance(t, sender))
}

func TestEngineWithoutClusterRejectsSubmissions(t *testing.T) {
	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	engine, err := NewEngine(Config{DB: kv})
	require.NoError(t, err)

	_, err = engine.InitiateTransfer(context.Background(), TransferParams{})
	require.ErrorIs(t, err, ErrClusterNotSet)
	err = engine.ResolveTransferCallback(comp.Handle{}, comp.SignedResult{})
	require.ErrorIs(t, err, ErrComputationNotPending)
}

type failingService struct{}

func (failingService) Queue(context.Context, comp.Request) error {
	return errors.New("cluster unavailable")
}

func TestQueueFailureRollsBackLock(t *testing.T) {
	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cluster, err := mpc.NewCluster()
	require.NoError(t, err)
	verifier, err := comp.NewVerifier(cluster.IdentityKey())
	require.NoError(t, err)

	engine, err := NewEngine(Config{DB: kv, Verifier: verifier, Service: failingService{}})
	require.NoError(t, err)

	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	require.NoError(t, engine.Ledger().PutBalance(sender, 100))

	params, err := EncryptTransferParams(cluster.EncryptionKey(), sender, recipient, 60, 100)
	require.NoError(t, err)
	_, err = engine.InitiateTransfer(context.Background(), params)
	require.Error(t, err)

	balance, err := engine.Ledger().GetBalance(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)
	_, err = engine.GetEscrowEntry(escrow.DeriveID(sender, recipient, params.Nonce))
	require.ErrorIs(t, err, store.ErrNotFound)
}

type silentService struct{}

func (silentService) Queue(context.Context, comp.Request) error { return nil }

func TestRefundExpiredPendingTransfer(t *testing.T) {
	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cluster, err := mpc.NewCluster()
	require.NoError(t, err)
	verifier, err := comp.NewVerifier(cluster.IdentityKey())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	emitter := &event.MemoryEmitter{}
	engine, err := NewEngine(Config{
		DB:       kv,
		Verifier: verifier,
		Service:  silentService{},
		Emitter:  emitter,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	require.NoError(t, engine.Ledger().PutBalance(sender, 100))

	params, err := EncryptTransferParams(cluster.EncryptionKey(), sender, recipient, 60, 100)
	require.NoError(t, err)
	handle, err := engine.InitiateTransfer(context.Background(), params)
	require.NoError(t, err)

	// The result never arrives. Before the deadline the refund is refused.
	err = engine.RefundExpired(handle)
	require.ErrorIs(t, err, ErrRefundNotDue)

	clock.Advance(DefaultPendingTTL + time.Second)
	require.NoError(t, engine.RefundExpired(handle))

	balance, err := engine.Ledger().GetBalance(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)

	req, err := engine.GetTransfer(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateRefunded, req.State)
	assert.Equal(t, escrow.OutcomeRefunded, req.Outcome)

	// A refunded handle is terminal for both callbacks and repeat refunds.
	err = engine.RefundExpired(handle)
	require.ErrorIs(t, err, ErrComputationNotPending)
}

func TestSweepExpiredRefundsOnlyDueRequests(t *testing.T) {
	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cluster, err := mpc.NewCluster()
	require.NoError(t, err)
	verifier, err := comp.NewVerifier(cluster.IdentityKey())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	engine, err := NewEngine(Config{
		DB:       kv,
		Verifier: verifier,
		Service:  silentService{},
		Now:      clock.Now,
	})
	require.NoError(t, err)

	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	require.NoError(t, engine.Ledger().PutBalance(sender, 200))

	first, err := EncryptTransferParams(cluster.EncryptionKey(), sender, recipient, 60, 200)
	require.NoError(t, err)
	firstHandle, err := engine.InitiateTransfer(context.Background(), first)
	require.NoError(t, err)

	clock.Advance(DefaultPendingTTL + time.Second)

	second, err := EncryptTransferParams(cluster.EncryptionKey(), sender, recipient, 30, 140)
	require.NoError(t, err)
	secondHandle, err := engine.InitiateTransfer(context.Background(), second)
	require.NoError(t, err)

	refunded, err := engine.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, refunded)

	req, err := engine.GetTransfer(firstHandle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateRefunded, req.State)

	req, err = engine.GetTransfer(secondHandle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePendingValidation, req.State)

	// 200 - 60 - 30, then the first lock of 60 came back.
	balance, err := engine.Ledger().GetBalance(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(170), balance)
}

func TestAuditableTransferSealsResultToAuditor(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	env.fund(t, sender, 100)

	auditorPriv, auditorPub, err := cipher.GenerateKey()
	require.NoError(t, err)

	params, err := EncryptAuditableTransferParams(env.cluster.EncryptionKey(),
		sender, recipient, 60, 100, 4242, 1_700_000_123, auditorPub)
	require.NoError(t, err)

	handle, err := env.engine.InitiateAuditableTransfer(context.Background(), params)
	require.NoError(t, err)
	require.NoError(t, env.resolveTransfer(t, handle))

	assert.Equal(t, uint64(60), env.balance(t, recipient))

	req, err := env.engine.GetTransfer(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, req.State)
	require.NotEmpty(t, req.SealedResult)

	// Only the auditor key opens the sealed detail.
	plain, err := cipher.Open(auditorPriv, req.Nonce, req.SealedResult)
	require.NoError(t, err)
	detail, err := circuit.DecodeAuditableTransferResult(plain)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), detail.AmountLamports)
	assert.Equal(t, uint8(1), detail.IsValid)
	assert.Equal(t, uint64(4242), detail.PayeeID)
	assert.Equal(t, uint64(1_700_000_123), detail.Timestamp)
	assert.Equal(t, uint8(circuit.ReasonSuccess), detail.ReasonCode)

	otherPriv, _, err := cipher.GenerateKey()
	require.NoError(t, err)
	_, err = cipher.Open(otherPriv, req.Nonce, req.SealedResult)
	require.ErrorIs(t, err, cipher.ErrSealOpen)
}

func TestAuditableTransferRecordsFailureReason(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	env.fund(t, sender, 100)

	auditorPriv, auditorPub, err := cipher.GenerateKey()
	require.NoError(t, err)

	params, err := EncryptAuditableTransferParams(env.cluster.EncryptionKey(),
		sender, recipient, 60, 50, 4242, 1_700_000_123, auditorPub)
	require.NoError(t, err)

	handle, err := env.engine.InitiateAuditableTransfer(context.Background(), params)
	require.NoError(t, err)
	err = env.resolveTransfer(t, handle)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	req, err := env.engine.GetTransfer(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateAborted, req.State)

	plain, err := cipher.Open(auditorPriv, req.Nonce, req.SealedResult)
	require.NoError(t, err)
	detail, err := circuit.DecodeAuditableTransferResult(plain)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), detail.IsValid)
	assert.Equal(t, uint8(circuit.ReasonInsufficientBalance), detail.ReasonCode)
}

func TestBatchPayrollAllValid(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	env.fund(t, sender, 65)

	_, auditorPub, err := cipher.GenerateKey()
	require.NoError(t, err)

	payees := []crypto.AccountID{{10}, {11}, {12}}
	payments := []BatchPayment{
		{AmountLamports: 30, PayeeID: 100, Payee: payees[0]},
		{AmountLamports: 20, PayeeID: 101, Payee: payees[1]},
		{AmountLamports: 10, PayeeID: 102, Payee: payees[2]},
	}
	params, err := EncryptBatchParams(env.cluster.EncryptionKey(), sender, payments, 65, 1_700_000_500, auditorPub)
	require.NoError(t, err)

	handle, err := env.engine.InitiateBatchPayroll(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), env.balance(t, sender))
	entry, err := env.engine.GetEscrowEntry(escrow.DeriveBatchID(sender, params.Nonce))
	require.NoError(t, err)
	assert.Equal(t, uint64(60), entry.Held)

	require.NoError(t, env.resolveBatch(t, handle))

	assert.Equal(t, uint64(30), env.balance(t, payees[0]))
	assert.Equal(t, uint64(20), env.balance(t, payees[1]))
	assert.Equal(t, uint64(10), env.balance(t, payees[2]))
	_, err = env.engine.GetEscrowEntry(entry.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	req, err := env.engine.GetBatch(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, req.State)
	assert.Equal(t, escrow.OutcomeSettled, req.Outcome)
}

func TestBatchPayrollInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	env.fund(t, sender, 65)

	_, auditorPub, err := cipher.GenerateKey()
	require.NoError(t, err)

	payments := []BatchPayment{
		{AmountLamports: 30, PayeeID: 100, Payee: crypto.AccountID{10}},
		{AmountLamports: 20, PayeeID: 101, Payee: crypto.AccountID{11}},
		{AmountLamports: 10, PayeeID: 102, Payee: crypto.AccountID{12}},
	}
	// Claimed balance of 55 cannot cover the 60 total: all-or-nothing.
	params, err := EncryptBatchParams(env.cluster.EncryptionKey(), sender, payments, 55, 1_700_000_500, auditorPub)
	require.NoError(t, err)

	handle, err := env.engine.InitiateBatchPayroll(context.Background(), params)
	require.NoError(t, err)

	err = env.resolveBatch(t, handle)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// No payee was paid and the lock is intact.
	assert.Equal(t, uint64(0), env.balance(t, crypto.AccountID{10}))
	entry, err := env.engine.GetEscrowEntry(escrow.DeriveBatchID(sender, params.Nonce))
	require.NoError(t, err)
	assert.Equal(t, uint64(60), entry.Held)

	req, err := env.engine.GetBatch(handle)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateAborted, req.State)
	assert.Equal(t, escrow.OutcomeInsufficientBalance, req.Outcome)

	require.NoError(t, env.engine.RefundExpired(handle))
	assert.Equal(t, uint64(65), env.balance(t, sender))
}

func TestBatchPayrollRepeatedPayee(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	env.fund(t, sender, 100)

	_, auditorPub, err := cipher.GenerateKey()
	require.NoError(t, err)

	payee := crypto.AccountID{10}
	payments := []BatchPayment{
		{AmountLamports: 30, PayeeID: 100, Payee: payee},
		{AmountLamports: 20, PayeeID: 100, Payee: payee},
	}
	params, err := EncryptBatchParams(env.cluster.EncryptionKey(), sender, payments, 100, 1_700_000_500, auditorPub)
	require.NoError(t, err)

	handle, err := env.engine.InitiateBatchPayroll(context.Background(), params)
	require.NoError(t, err)
	require.NoError(t, env.resolveBatch(t, handle))

	assert.Equal(t, uint64(50), env.balance(t, payee))
	assert.Equal(t, uint64(50), env.balance(t, sender))
}

func TestBatchPayrollSizeLimits(t *testing.T) {
	env := newTestEnv(t)
	sender := crypto.AccountID{1}
	env.fund(t, sender, 1000)

	_, auditorPub, err := cipher.GenerateKey()
	require.NoError(t, err)

	_, err = EncryptBatchParams(env.cluster.EncryptionKey(), sender, nil, 100, 1, auditorPub)
	require.ErrorIs(t, err, ErrBatchSize)

	tooMany := make([]BatchPayment, circuit.MaxBatchEntries+1)
	for i := range tooMany {
		tooMany[i] = BatchPayment{AmountLamports: 1, PayeeID: uint64(i), Payee: crypto.AccountID{byte(i + 2)}}
	}
	_, err = EncryptBatchParams(env.cluster.EncryptionKey(), sender, tooMany, 100, 1, auditorPub)
	require.ErrorIs(t, err, ErrBatchSize)

	_, err = env.engine.InitiateBatchPayroll(context.Background(), BatchParams{
		Sender:        sender,
		Entries:       make([]BatchEntryParams, 2),
		DeclaredCount: 3,
	})
	require.ErrorIs(t, err, ErrBatchSize)
}
