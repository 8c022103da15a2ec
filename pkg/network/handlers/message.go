// Package handlers implements the protocol's stream handlers: computation
// submission on the cluster side, result callback delivery on the node side,
// and the clients that open those streams.
package handlers

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single protocol message. Requests and results are
// small; anything larger is a protocol violation.
const MaxMessageSize = 1 << 20

// Message is one length-prefixed protocol message: a little-endian uint32
// size followed by the content bytes.
type Message struct {
	Size    uint32
	Content []byte
}

// WriteMessageWithContext writes a length-prefixed message to w. The write
// can be abandoned via the context.
func WriteMessageWithContext(ctx context.Context, w io.Writer, content []byte) error {
	if len(content) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds limit", len(content))
	}

	done := make(chan error, 1)
	go func() {
		size := uint32(len(content))
		if err := binary.Write(w, binary.LittleEndian, size); err != nil {
			done <- fmt.Errorf("failed to write message size: %w", err)
			return
		}
		if _, err := w.Write(content); err != nil {
			done <- fmt.Errorf("failed to write message content: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadMessageWithContext reads a length-prefixed message from r. The read
// can be abandoned via the context.
func ReadMessageWithContext(ctx context.Context, r io.Reader) (*Message, error) {
	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)

	go func() {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			done <- result{nil, fmt.Errorf("failed to read message size: %w", err)}
			return
		}
		if size > MaxMessageSize {
			done <- result{nil, fmt.Errorf("message size %d exceeds limit", size)}
			return
		}
		content := make([]byte, size)
		if _, err := io.ReadFull(r, content); err != nil {
			done <- result{nil, fmt.Errorf("failed to read message content: %w", err)}
			return
		}
		done <- result{&Message{Size: size, Content: content}, nil}
	}()

	select {
	case res := <-done:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
