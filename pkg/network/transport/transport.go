// Package transport carries protocol streams between a node and its MPC
// cluster over QUIC. Both sides authenticate with self-signed ed25519
// certificates; each stream opens with a single kind byte selecting the
// handler for the rest of the stream.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/vaultpay/confidential/internal/crypto/ed25519"
	"github.com/vaultpay/confidential/pkg/log"
)

// Protocol is the ALPN identifier both sides must negotiate.
const Protocol = "vaultpay/1"

// MaxIdleTimeout defines the maximum duration a connection can be idle
// before timing out.
const MaxIdleTimeout = 30 * time.Minute

// StreamKind selects the handler for a stream. The kind byte is the first
// byte written on every stream.
type StreamKind byte

const (
	// StreamKindComputationSubmit carries a computation request, node → cluster.
	StreamKindComputationSubmit StreamKind = 128
	// StreamKindResultCallback carries a signed result, cluster → node.
	StreamKindResultCallback StreamKind = 129
)

// StreamHandler processes one incoming stream after its kind byte has been
// consumed. peerKey is the authenticated identity of the remote side.
type StreamHandler interface {
	HandleStream(ctx context.Context, stream quic.Stream, peerKey ed25519.PublicKey) error
}

// Registry maps stream kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[StreamKind]StreamHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[StreamKind]StreamHandler)}
}

func (r *Registry) RegisterHandler(kind StreamKind, handler StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

func (r *Registry) GetHandler(kind StreamKind) (StreamHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler for stream kind %d", kind)
	}
	return handler, nil
}

// CertValidator performs TLS certificate validation and public key extraction.
type CertValidator interface {
	ValidateCertificate(cert *x509.Certificate) error
	ExtractPublicKey(cert *x509.Certificate) (ed25519.PublicKey, error)
}

// Config contains all configuration parameters for a Transport.
type Config struct {
	TLSCert       *tls.Certificate // self-signed identity certificate
	ListenAddr    string           // address to listen on; empty for dial-only use
	CertValidator CertValidator
	Registry      *Registry
}

// Transport manages QUIC connections and dispatches their streams.
type Transport struct {
	config   Config
	listener *quic.Listener
	mu       sync.RWMutex
	conns    map[string]*Conn // active connections keyed by peer identity
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTransport creates and configures a new transport instance.
func NewTransport(config Config) (*Transport, error) {
	if config.TLSCert == nil {
		return nil, fmt.Errorf("TLS certificate required")
	}
	if config.CertValidator == nil {
		return nil, fmt.Errorf("certificate validator required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("stream registry required")
	}
	if err := config.CertValidator.ValidateCertificate(config.TLSCert.Leaf); err != nil {
		return nil, ErrInvalidCertificate
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		config: config,
		conns:  make(map[string]*Conn),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *Transport) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*t.config.TLSCert},
		NextProtos:   []string{Protocol},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		// Peers are authenticated by their self-signed identity certificate,
		// not a CA chain.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: no peer certificate provided", ErrInvalidCertificate)
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
			}
			if err := t.config.CertValidator.ValidateCertificate(cert); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
			}
			return nil
		},
	}
}

// Start begins accepting connections on the configured listen address.
func (t *Transport) Start() error {
	listener, err := quic.ListenAddr(t.config.ListenAddr, t.tlsConfig(), &quic.Config{
		MaxIdleTimeout: MaxIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}

	t.listener = listener
	t.done = make(chan struct{})
	go func() {
		t.acceptLoop()
		close(t.done)
	}()
	return nil
}

// ListenAddr returns the bound listen address, useful when the configured
// address used port 0.
func (t *Transport) ListenAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Stop gracefully shuts down the transport and all active connections.
func (t *Transport) Stop() error {
	t.cancel()

	t.mu.Lock()
	for _, conn := range t.conns {
		if err := conn.Close(); err != nil {
			log.Network.Warn().Err(err).Msg("failed to close connection")
		}
	}
	t.conns = make(map[string]*Conn)
	t.mu.Unlock()

	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			return fmt.Errorf("failed to close listener: %w", err)
		}
		<-t.done
	}
	return nil
}

// Connect dials a remote peer and begins serving its streams.
func (t *Transport) Connect(addr string) (*Conn, error) {
	quicConn, err := quic.DialAddr(t.ctx, addr, t.tlsConfig(), &quic.Config{
		MaxIdleTimeout: MaxIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	conn := t.handleConnection(quicConn)
	if conn == nil {
		return nil, ErrConnFailed
	}
	return conn, nil
}

// GetConnection retrieves an active connection by peer identity.
func (t *Transport) GetConnection(peerKey ed25519.PublicKey) (*Conn, bool) {
	t.mu.RLock()
	conn, ok := t.conns[string(peerKey)]
	t.mu.RUnlock()
	return conn, ok
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			log.Network.Warn().Err(err).Msg("failed to accept connection")
			continue
		}
		go t.handleConnection(conn)
	}
}

// handleConnection registers a new QUIC connection and starts serving its
// incoming streams.
func (t *Transport) handleConnection(qConn quic.Connection) *Conn {
	peerKey, err := t.config.CertValidator.ExtractPublicKey(qConn.ConnectionState().TLS.PeerCertificates[0])
	if err != nil {
		log.Network.Warn().Err(err).Msg("failed to extract peer key")
		if cerr := qConn.CloseWithError(0, ErrInvalidCertificate.Error()); cerr != nil {
			log.Network.Warn().Err(cerr).Msg("failed to close connection")
		}
		return nil
	}

	conn := t.manageConnection(peerKey, qConn)
	go t.serveStreams(conn)
	return conn
}

func (t *Transport) manageConnection(peerKey ed25519.PublicKey, qConn quic.Connection) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	// One connection per peer identity; a new one replaces the old.
	if existing, ok := t.conns[string(peerKey)]; ok {
		if err := existing.Close(); err != nil {
			log.Network.Warn().Err(err).Msg("failed to close replaced connection")
		}
		delete(t.conns, string(peerKey))
	}

	conn := newConn(qConn, t)
	conn.peerKey = peerKey
	t.conns[string(peerKey)] = conn
	return conn
}

// serveStreams accepts streams on a connection and dispatches each to the
// handler registered for its kind byte.
func (t *Transport) serveStreams(conn *Conn) {
	for {
		stream, err := conn.AcceptStream()
		if err != nil {
			if conn.ctx.Err() == nil {
				log.Network.Debug().Err(err).Msg("accept stream failed")
			}
			t.cleanup(conn.peerKey)
			return
		}
		go func() {
			if err := t.dispatchStream(conn, stream); err != nil {
				log.Network.Warn().Err(err).Msg("stream handler failed")
				stream.CancelRead(0)
				stream.CancelWrite(0)
			}
		}()
	}
}

func (t *Transport) dispatchStream(conn *Conn, stream quic.Stream) error {
	kind := make([]byte, 1)
	if err := stream.SetReadDeadline(time.Now().Add(StreamTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	if _, err := stream.Read(kind); err != nil {
		return fmt.Errorf("read stream kind: %w", err)
	}
	if err := stream.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear read deadline: %w", err)
	}

	handler, err := t.config.Registry.GetHandler(StreamKind(kind[0]))
	if err != nil {
		return err
	}
	return handler.HandleStream(conn.ctx, stream, conn.peerKey)
}

func (t *Transport) cleanup(peerKey ed25519.PublicKey) {
	t.mu.Lock()
	delete(t.conns, string(peerKey))
	t.mu.Unlock()
}
