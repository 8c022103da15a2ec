package handlers

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"

	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto/ed25519"
	"github.com/vaultpay/confidential/pkg/log"
)

// Ack bytes closing every request/response stream.
const (
	AckAccepted byte = 0
	AckRejected byte = 1
)

// ComputationSubmitHandler runs on the cluster side of the submit stream:
// it decodes a computation request and hands it to the cluster service.
type ComputationSubmitHandler struct {
	service comp.Service
}

func NewComputationSubmitHandler(service comp.Service) *ComputationSubmitHandler {
	return &ComputationSubmitHandler{service: service}
}

func (h *ComputationSubmitHandler) HandleStream(ctx context.Context, stream quic.Stream, peerKey ed25519.PublicKey) error {
	defer stream.Close()

	msg, err := ReadMessageWithContext(ctx, stream)
	if err != nil {
		return fmt.Errorf("read computation request: %w", err)
	}

	var req comp.Request
	if err := cbor.Unmarshal(msg.Content, &req); err != nil {
		writeAck(ctx, stream, AckRejected)
		return fmt.Errorf("unmarshal computation request: %w", err)
	}

	if err := h.service.Queue(ctx, req); err != nil {
		log.Network.Warn().Err(err).
			Str("handle", req.Handle.String()).
			Msg("computation request rejected")
		writeAck(ctx, stream, AckRejected)
		return nil
	}

	log.Network.Debug().
		Str("handle", req.Handle.String()).
		Str("circuit", req.Circuit.String()).
		Msg("computation request queued")
	writeAck(ctx, stream, AckAccepted)
	return nil
}

func writeAck(ctx context.Context, stream quic.Stream, ack byte) {
	if err := WriteMessageWithContext(ctx, stream, []byte{ack}); err != nil {
		log.Network.Debug().Err(err).Msg("failed to write ack")
	}
}

// readAck reads the peer's closing ack and maps rejection to an error.
func readAck(ctx context.Context, stream quic.Stream) error {
	msg, err := ReadMessageWithContext(ctx, stream)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if len(msg.Content) != 1 || msg.Content[0] != AckAccepted {
		return fmt.Errorf("peer rejected message")
	}
	return nil
}
