package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/vaultpay/confidential/internal/crypto/ed25519"
)

// StreamTimeout defines the maximum duration to wait for stream setup
// operations.
const StreamTimeout = 5 * time.Second

// Conn represents a QUIC connection with an authenticated remote peer.
type Conn struct {
	qConn   quic.Connection
	peerKey ed25519.PublicKey
	ctx     context.Context
	cancel  context.CancelFunc
}

func newConn(qConn quic.Connection, transport *Transport) *Conn {
	ctx, cancel := context.WithCancel(transport.ctx)
	return &Conn{
		qConn:  qConn,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OpenStream opens a new bidirectional stream and writes its kind byte.
func (c *Conn) OpenStream(ctx context.Context, kind StreamKind) (quic.Stream, error) {
	stream, err := c.qConn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	if _, err := stream.Write([]byte{byte(kind)}); err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, fmt.Errorf("failed to write stream kind: %w", err)
	}
	return stream, nil
}

// AcceptStream accepts an incoming stream from the peer.
func (c *Conn) AcceptStream() (quic.Stream, error) {
	stream, err := c.qConn.AcceptStream(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	return stream, nil
}

// PeerKey returns the authenticated identity of the connected peer.
func (c *Conn) PeerKey() ed25519.PublicKey {
	return c.peerKey
}

// Close closes the connection and cancels all associated streams.
func (c *Conn) Close() error {
	c.cancel()
	return c.qConn.CloseWithError(0, "")
}

// Context returns the connection's context, cancelled when the connection
// closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}
