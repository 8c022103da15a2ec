// Package mpc simulates the external MPC cluster in-process: it decrypts
// request payloads with the cluster encryption key, runs the matching
// validation circuit, seals auditor copies and signs the result with the
// cluster identity key. The protocol core never imports this package's
// internals; it only sees comp.Service and signed results.
package mpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vaultpay/confidential/internal/cipher"
	"github.com/vaultpay/confidential/internal/circuit"
	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/crypto"
	"github.com/vaultpay/confidential/internal/crypto/ed25519"
)

var ErrBadRequest = errors.New("mpc: request payload does not match circuit input")

// Cluster holds the simulated cluster's key material and completed results.
type Cluster struct {
	encPriv cipher.PrivateKey
	encPub  crypto.X25519PublicKey
	signPub ed25519.PublicKey
	signKey ed25519.PrivateKey

	mu      sync.Mutex
	results map[comp.Handle]comp.SignedResult
	deliver func(comp.SignedResult)
}

func NewCluster() (*Cluster, error) {
	encPriv, encPub, err := cipher.GenerateKey()
	if err != nil {
		return nil, err
	}
	signPub, signKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &Cluster{
		encPriv: encPriv,
		encPub:  encPub,
		signPub: signPub,
		signKey: signKey,
		results: make(map[comp.Handle]comp.SignedResult),
	}, nil
}

// EncryptionKey is the x25519 key clients run ECDH against when encrypting
// request fields.
func (c *Cluster) EncryptionKey() crypto.X25519PublicKey {
	return c.encPub
}

// IdentityKey is the ed25519 key results are verified against.
func (c *Cluster) IdentityKey() ed25519.PublicKey {
	return c.signPub
}

// OnResult registers a sink invoked (on its own goroutine) for every
// completed computation, e.g. a network delivery loop.
func (c *Cluster) OnResult(fn func(comp.SignedResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliver = fn
}

// Queue implements comp.Service: execute immediately and retain the result.
func (c *Cluster) Queue(_ context.Context, req comp.Request) error {
	result, err := c.Execute(req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.results[req.Handle] = result
	deliver := c.deliver
	c.mu.Unlock()

	if deliver != nil {
		go deliver(result)
	}
	return nil
}

// Result returns the completed result for a handle, if any.
func (c *Cluster) Result(handle comp.Handle) (comp.SignedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.results[handle]
	return result, ok
}

// Execute runs one computation synchronously.
func (c *Cluster) Execute(req comp.Request) (comp.SignedResult, error) {
	args, err := comp.ParseArgs(req.Payload)
	if err != nil {
		return comp.SignedResult{}, err
	}
	secret, err := cipher.SharedSecret(c.encPriv, args.PublicKey)
	if err != nil {
		return comp.SignedResult{}, err
	}

	fields, err := decryptFields(secret, args)
	if err != nil {
		return comp.SignedResult{}, err
	}

	var output, sealedPlain []byte
	switch req.Circuit {
	case comp.CircuitValidateTransfer:
		if len(fields) != 2 {
			return comp.SignedResult{}, fmt.Errorf("%w: %d fields for %s", ErrBadRequest, len(fields), req.Circuit)
		}
		validation := circuit.ValidateTransfer(circuit.TransferInput{
			AmountLamports:        fields[0],
			SenderBalanceLamports: fields[1],
		})
		output = validation.Encode()

	case comp.CircuitValidateAuditableTransfer:
		if len(fields) != 4 {
			return comp.SignedResult{}, fmt.Errorf("%w: %d fields for %s", ErrBadRequest, len(fields), req.Circuit)
		}
		result := circuit.ValidateAuditableTransfer(circuit.AuditableTransferInput{
			AmountLamports:        fields[0],
			SenderBalanceLamports: fields[1],
			PayeeID:               fields[2],
			Timestamp:             fields[3],
		})
		// The resolver only learns the settled amount and flag; the full
		// audit detail goes out sealed to the auditor alone.
		output = circuit.TransferValidation{
			AmountLamports: result.AmountLamports,
			IsValid:        result.IsValid,
		}.Encode()
		sealedPlain = result.Encode()

	case comp.CircuitValidateBatchPayroll:
		input, err := batchInput(fields)
		if err != nil {
			return comp.SignedResult{}, err
		}
		result := circuit.ValidateBatchPayroll(input)
		output = result.Encode()
		sealedPlain = result.Encode()

	default:
		return comp.SignedResult{}, fmt.Errorf("%w: unknown circuit %d", ErrBadRequest, req.Circuit)
	}

	var sealed []byte
	if sealedPlain != nil {
		sealed, err = cipher.Seal(req.Auditor, args.Nonce, sealedPlain)
		if err != nil {
			return comp.SignedResult{}, err
		}
	}

	result := comp.SignedResult{
		Handle:  req.Handle,
		Circuit: req.Circuit,
		Output:  output,
		Sealed:  sealed,
		Nonce:   args.Nonce,
	}
	digest := result.SigningDigest()
	result.Signature = ed25519.Sign(c.signKey, digest[:])
	return result, nil
}

func decryptFields(secret [32]byte, args comp.Args) ([]uint64, error) {
	fields := make([]uint64, len(args.Fields))
	for i, ct := range args.Fields {
		value, err := cipher.DecryptU64(secret, args.Nonce, uint32(i), ct)
		if err != nil {
			return nil, err
		}
		fields[i] = value
	}
	return fields, nil
}

// batchInput reassembles the batch circuit input from its wire field order:
// per declared entry (amount, payee), then count, balance, timestamp.
func batchInput(fields []uint64) (circuit.BatchPayrollInput, error) {
	if len(fields) < 5 || (len(fields)-3)%2 != 0 {
		return circuit.BatchPayrollInput{}, fmt.Errorf("%w: %d fields for batch payroll", ErrBadRequest, len(fields))
	}
	n := (len(fields) - 3) / 2
	if n > circuit.MaxBatchEntries {
		return circuit.BatchPayrollInput{}, fmt.Errorf("%w: %d entries exceeds batch limit", ErrBadRequest, n)
	}

	var input circuit.BatchPayrollInput
	for i := 0; i < n; i++ {
		input.Entries[i] = circuit.BatchPayrollEntry{
			AmountLamports: fields[2*i],
			PayeeID:        fields[2*i+1],
		}
	}
	count := fields[2*n]
	if count > uint64(n) {
		count = uint64(n)
	}
	input.EntryCount = uint8(count)
	input.SenderBalanceLamports = fields[2*n+1]
	input.Timestamp = fields[2*n+2]
	return input, nil
}
