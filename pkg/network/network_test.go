package network_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/crypto/ed25519"
	"github.com/vaultpay/confidential/internal/escrow"
	"github.com/vaultpay/confidential/internal/mpc"
	"github.com/vaultpay/confidential/internal/transfer"
	"github.com/vaultpay/confidential/pkg/db/pebble"
	"github.com/vaultpay/confidential/pkg/network/cert"
	"github.com/vaultpay/confidential/pkg/network/handlers"
	"github.com/vaultpay/confidential/pkg/network/transport"
)

func newTransport(t *testing.T, registry *transport.Registry, listenAddr string) (*transport.Transport, ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	tlsCert, err := cert.NewGenerator(cert.Config{
		PublicKey:          pub,
		PrivateKey:         priv,
		CertValidityPeriod: time.Hour,
	}).GenerateCertificate()
	require.NoError(t, err)

	tr, err := transport.NewTransport(transport.Config{
		TLSCert:       tlsCert,
		ListenAddr:    listenAddr,
		CertValidator: cert.NewValidator(),
		Registry:      registry,
	})
	require.NoError(t, err)
	return tr, pub
}

// The full loopback: a node engine submits over QUIC to a cluster process,
// which executes the circuit and pushes the signed result back on a callback
// stream, settling the transfer.
func TestTransferOverLoopback(t *testing.T) {
	cluster, err := mpc.NewCluster()
	require.NoError(t, err)

	// Cluster side: serve computation submissions.
	clusterRegistry := transport.NewRegistry()
	clusterRegistry.RegisterHandler(transport.StreamKindComputationSubmit,
		handlers.NewComputationSubmitHandler(cluster))
	clusterTransport, _ := newTransport(t, clusterRegistry, "127.0.0.1:0")
	require.NoError(t, clusterTransport.Start())
	t.Cleanup(func() { _ = clusterTransport.Stop() })

	// Node side: engine plus callback handler.
	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	verifier, err := comp.NewVerifier(cluster.IdentityKey())
	require.NoError(t, err)

	nodeRegistry := transport.NewRegistry()
	nodeTransport, nodePub := newTransport(t, nodeRegistry, "")

	conn, err := nodeTransport.Connect(clusterTransport.ListenAddr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	engine, err := transfer.NewEngine(transfer.Config{
		DB:       kv,
		Verifier: verifier,
		Service:  handlers.NewClusterClient(conn),
	})
	require.NoError(t, err)
	nodeRegistry.RegisterHandler(transport.StreamKindResultCallback,
		handlers.NewResultCallbackHandler(engine))

	// The cluster pushes every completed result back to the node.
	cluster.OnResult(func(result comp.SignedResult) {
		back, ok := clusterTransport.GetConnection(nodePub)
		if !ok {
			t.Error("no connection back to node")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handlers.NewResultSender(back).Send(ctx, result); err != nil {
			t.Errorf("result delivery failed: %v", err)
		}
	})

	sender := crypto.AccountID{1}
	recipient := crypto.AccountID{2}
	require.NoError(t, engine.Ledger().PutBalance(sender, 100))

	params, err := transfer.EncryptTransferParams(cluster.EncryptionKey(), sender, recipient, 60, 100)
	require.NoError(t, err)
	handle, err := engine.InitiateTransfer(context.Background(), params)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		req, err := engine.GetTransfer(handle)
		return err == nil && req.State == escrow.StateReleased
	}, 10*time.Second, 20*time.Millisecond, "transfer did not settle over loopback")

	balance, err := engine.Ledger().GetBalance(recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), balance)
	balance, err = engine.Ledger().GetBalance(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), balance)
}
