package handlers

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/pkg/network/transport"
)

// ClusterClient submits computation requests to a remote cluster over QUIC.
// It implements comp.Service, so a transfer engine can be wired to a remote
// cluster the same way it wires an in-process one.
type ClusterClient struct {
	conn *transport.Conn
}

func NewClusterClient(conn *transport.Conn) *ClusterClient {
	return &ClusterClient{conn: conn}
}

// Queue sends the request on a fresh submit stream and waits for the
// cluster's ack.
func (c *ClusterClient) Queue(ctx context.Context, req comp.Request) error {
	content, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal computation request: %w", err)
	}

	stream, err := c.conn.OpenStream(ctx, transport.StreamKindComputationSubmit)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := WriteMessageWithContext(ctx, stream, content); err != nil {
		return fmt.Errorf("write computation request: %w", err)
	}
	if err := readAck(ctx, stream); err != nil {
		return fmt.Errorf("computation request: %w", err)
	}
	return nil
}

// ResultSender delivers signed results to a node over QUIC; the cluster side
// uses it to complete the callback leg.
type ResultSender struct {
	conn *transport.Conn
}

func NewResultSender(conn *transport.Conn) *ResultSender {
	return &ResultSender{conn: conn}
}

// Send pushes one signed result on a fresh callback stream. An error means
// the node did not consume the result and it should be redelivered.
func (s *ResultSender) Send(ctx context.Context, result comp.SignedResult) error {
	content, err := cbor.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal signed result: %w", err)
	}

	stream, err := s.conn.OpenStream(ctx, transport.StreamKindResultCallback)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := WriteMessageWithContext(ctx, stream, content); err != nil {
		return fmt.Errorf("write signed result: %w", err)
	}
	if err := readAck(ctx, stream); err != nil {
		return fmt.Errorf("result delivery: %w", err)
	}
	return nil
}
