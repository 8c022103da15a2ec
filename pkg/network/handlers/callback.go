package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"

	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto/ed25519"
	"github.com/vaultpay/confidential/internal/transfer"
	"github.com/vaultpay/confidential/pkg/log"
)

// Resolver consumes signed computation results. *transfer.Engine implements
// this.
type Resolver interface {
	ResolveTransferCallback(handle comp.Handle, result comp.SignedResult) error
	ResolveBatchCallback(handle comp.Handle, result comp.SignedResult) error
}

// ResultCallbackHandler runs on the node side of the callback stream: it
// decodes a signed result and feeds it to the resolver. The ack tells the
// cluster whether the result was consumed; an unauthenticated or undeliverable
// result is nacked so the cluster may retry.
type ResultCallbackHandler struct {
	resolver Resolver
}

func NewResultCallbackHandler(resolver Resolver) *ResultCallbackHandler {
	return &ResultCallbackHandler{resolver: resolver}
}

func (h *ResultCallbackHandler) HandleStream(ctx context.Context, stream quic.Stream, peerKey ed25519.PublicKey) error {
	defer stream.Close()

	msg, err := ReadMessageWithContext(ctx, stream)
	if err != nil {
		return fmt.Errorf("read result callback: %w", err)
	}

	var result comp.SignedResult
	if err := cbor.Unmarshal(msg.Content, &result); err != nil {
		writeAck(ctx, stream, AckRejected)
		return fmt.Errorf("unmarshal signed result: %w", err)
	}

	var resolveErr error
	if result.Circuit == comp.CircuitValidateBatchPayroll {
		resolveErr = h.resolver.ResolveBatchCallback(result.Handle, result)
	} else {
		resolveErr = h.resolver.ResolveTransferCallback(result.Handle, result)
	}

	if consumed(resolveErr) {
		if resolveErr != nil {
			log.Network.Info().Err(resolveErr).
				Str("handle", result.Handle.String()).
				Msg("result consumed with terminal outcome")
		}
		writeAck(ctx, stream, AckAccepted)
		return nil
	}

	log.Network.Warn().Err(resolveErr).
		Str("handle", result.Handle.String()).
		Msg("result not consumed")
	writeAck(ctx, stream, AckRejected)
	return nil
}

// consumed reports whether a resolve outcome means the result reached its
// terminal state (or already had), so the cluster must not redeliver.
// Authentication failures and local faults leave the request pending and are
// worth a retry.
func consumed(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, comp.ErrVerificationFailed):
		return false
	case errors.Is(err, transfer.ErrClusterNotSet):
		return false
	case errors.Is(err, transfer.ErrComputationNotPending):
		return true
	case errors.Is(err, transfer.ErrInsufficientBalance):
		return true
	case errors.Is(err, transfer.ErrAbortedComputation):
		return true
	default:
		return false
	}
}
