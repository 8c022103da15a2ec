package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto/ed25519"
	"github.com/vaultpay/confidential/internal/event"
	"github.com/vaultpay/confidential/internal/mpc"
	"github.com/vaultpay/confidential/internal/transfer"
	"github.com/vaultpay/confidential/pkg/db/pebble"
	"github.com/vaultpay/confidential/pkg/log"
	"github.com/vaultpay/confidential/pkg/network/cert"
	"github.com/vaultpay/confidential/pkg/network/handlers"
	"github.com/vaultpay/confidential/pkg/network/transport"
)

const (
	certValidityPeriod = 90 * 24 * time.Hour
	sweepInterval      = time.Hour
)

// NodeIdentity is the on-disk form of the node's ed25519 identity.
type NodeIdentity struct {
	Ed25519Pub string `json:"ed25519_public_key"`
	Ed25519Prv string `json:"ed25519_private_key"`
}

// loadOrCreateIdentity reads the node key file, generating a fresh identity
// on first start.
func loadOrCreateIdentity(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		pub, prv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, nil, err
		}
		jsonData, err := json.MarshalIndent(NodeIdentity{
			Ed25519Pub: hex.EncodeToString(pub),
			Ed25519Prv: hex.EncodeToString(prv),
		}, "", "	")
		if err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(path, jsonData, 0o600); err != nil {
			return nil, nil, fmt.Errorf("write node identity: %w", err)
		}
		return pub, prv, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read node identity: %w", err)
	}

	var identity NodeIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, nil, fmt.Errorf("parse node identity: %w", err)
	}
	prv, err := hex.DecodeString(identity.Ed25519Prv)
	if err != nil || len(prv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("invalid node private key")
	}
	pub, err := hex.DecodeString(identity.Ed25519Pub)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("invalid node public key")
	}
	return ed25519.PublicKey(pub), ed25519.PrivateKey(prv), nil
}

func main() {
	datadir := flag.String("datadir", "vaultpay-data", "data directory for the store and node identity")
	clusterAddr := flag.String("cluster-addr", "", "address of the MPC cluster")
	clusterKey := flag.String("cluster-key", "", "hex ed25519 identity of the MPC cluster")
	simulate := flag.Bool("simulate", false, "run an in-process cluster simulator instead of dialing one")
	loglevel := flag.String("loglevel", "info", "log level")
	logjson := flag.Bool("logjson", false, "log as JSON instead of console output")
	flag.Parse()

	level, err := log.ParseLogLevel(*loglevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	logType := log.ConsoleLogger
	if *logjson {
		logType = log.JSONLogger
	}
	log.Init(log.Options{LogLevel: level, Type: logType})

	if err := run(*datadir, *clusterAddr, *clusterKey, *simulate); err != nil {
		log.Root.Fatal().Err(err).Msg("node failed")
	}
}

func run(datadir, clusterAddr, clusterKey string, simulate bool) error {
	if err := os.MkdirAll(datadir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	kv, err := pebble.NewPersistentKVStore(filepath.Join(datadir, "db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Root.Warn().Err(err).Msg("failed to close store")
		}
	}()

	if simulate {
		return runSimulated(kv)
	}
	return runAgainstCluster(kv, datadir, clusterAddr, clusterKey)
}

// runSimulated wires the engine to an in-process cluster. Useful for local
// development without an MPC deployment.
func runSimulated(kv *pebble.KVStore) error {
	cluster, err := mpc.NewCluster()
	if err != nil {
		return err
	}
	verifier, err := comp.NewVerifier(cluster.IdentityKey())
	if err != nil {
		return err
	}

	engine, err := transfer.NewEngine(transfer.Config{
		DB:       kv,
		Verifier: verifier,
		Service:  cluster,
		Emitter:  event.LogEmitter{Logger: log.Escrow},
	})
	if err != nil {
		return err
	}

	cluster.OnResult(func(result comp.SignedResult) {
		var err error
		if result.Circuit == comp.CircuitValidateBatchPayroll {
			err = engine.ResolveBatchCallback(result.Handle, result)
		} else {
			err = engine.ResolveTransferCallback(result.Handle, result)
		}
		if err != nil {
			log.Escrow.Warn().Err(err).
				Str("handle", result.Handle.String()).
				Msg("callback resolution failed")
		}
	})

	stop := make(chan struct{})
	go runRefundSweep(engine, stop)
	defer close(stop)

	log.Root.Info().
		Str("cluster_key", hex.EncodeToString(cluster.IdentityKey())).
		Msg("running with simulated cluster")
	waitForShutdown()
	return nil
}

// runRefundSweep periodically returns expired locks to their payers.
func runRefundSweep(engine *transfer.Engine, stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			refunded, err := engine.SweepExpired()
			if err != nil {
				log.Escrow.Warn().Err(err).Msg("refund sweep failed")
				continue
			}
			if refunded > 0 {
				log.Escrow.Info().Int("refunded", refunded).Msg("expired requests refunded")
			}
		}
	}
}

// runAgainstCluster dials a remote MPC cluster over QUIC and serves its
// result callbacks.
func runAgainstCluster(kv *pebble.KVStore, datadir, clusterAddr, clusterKey string) error {
	if clusterAddr == "" || clusterKey == "" {
		return fmt.Errorf("cluster-addr and cluster-key are required (or use -simulate)")
	}
	clusterPub, err := hex.DecodeString(clusterKey)
	if err != nil || len(clusterPub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid cluster key")
	}
	verifier, err := comp.NewVerifier(ed25519.PublicKey(clusterPub))
	if err != nil {
		return err
	}

	pub, prv, err := loadOrCreateIdentity(filepath.Join(datadir, "node_key.json"))
	if err != nil {
		return err
	}
	tlsCert, err := cert.NewGenerator(cert.Config{
		PublicKey:          pub,
		PrivateKey:         prv,
		CertValidityPeriod: certValidityPeriod,
	}).GenerateCertificate()
	if err != nil {
		return err
	}

	registry := transport.NewRegistry()
	tr, err := transport.NewTransport(transport.Config{
		TLSCert:       tlsCert,
		CertValidator: cert.NewValidator(),
		Registry:      registry,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Stop(); err != nil {
			log.Network.Warn().Err(err).Msg("failed to stop transport")
		}
	}()

	conn, err := tr.Connect(clusterAddr)
	if err != nil {
		return err
	}

	engine, err := transfer.NewEngine(transfer.Config{
		DB:       kv,
		Verifier: verifier,
		Service:  handlers.NewClusterClient(conn),
		Emitter:  event.LogEmitter{Logger: log.Escrow},
	})
	if err != nil {
		return err
	}
	registry.RegisterHandler(transport.StreamKindResultCallback,
		handlers.NewResultCallbackHandler(engine))

	stop := make(chan struct{})
	go runRefundSweep(engine, stop)
	defer close(stop)

	log.Root.Info().
		Str("identity", hex.EncodeToString(pub)).
		Str("cluster", clusterAddr).
		Msg("connected to cluster")
	waitForShutdown()
	return nil
}

func waitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Root.Info().Msg("shutting down")
}
