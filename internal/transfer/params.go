package transfer

import (
	"crypto/rand"
	"fmt"

	"github.com/vaultpay/confidential/internal/cipher"
	"github.com/vaultpay/confidential/internal/circuit"
	"github.com/vaultpay/confidential/internal/crypto"
)

// Client-side parameter preparation: a payer encrypts the confidential
// fields to the cluster's encryption key with a fresh ephemeral key and
// nonce. Field indexes follow the args payload order exactly; the cluster
// decrypts by position.

// EncryptTransferParams prepares a basic transfer against a cluster
// encryption key.
func EncryptTransferParams(clusterKey crypto.X25519PublicKey, sender, recipient crypto.AccountID, amount, balance uint64) (TransferParams, error) {
	_, ephPub, nonce, secret, err := newRequestKeys(clusterKey)
	if err != nil {
		return TransferParams{}, err
	}

	encAmount, err := cipher.EncryptU64(secret, nonce, 0, amount)
	if err != nil {
		return TransferParams{}, err
	}
	encBalance, err := cipher.EncryptU64(secret, nonce, 1, balance)
	if err != nil {
		return TransferParams{}, err
	}

	return TransferParams{
		Sender:           sender,
		Recipient:        recipient,
		AmountLamports:   amount,
		EncryptedAmount:  encAmount,
		EncryptedBalance: encBalance,
		EphemeralKey:     ephPub,
		Nonce:            nonce,
	}, nil
}

// EncryptAuditableTransferParams prepares an auditor-sealed transfer.
func EncryptAuditableTransferParams(clusterKey crypto.X25519PublicKey, sender, recipient crypto.AccountID,
	amount, balance, payeeID, timestamp uint64, auditor crypto.X25519PublicKey) (AuditableTransferParams, error) {

	_, ephPub, nonce, secret, err := newRequestKeys(clusterKey)
	if err != nil {
		return AuditableTransferParams{}, err
	}

	values := []uint64{amount, balance, payeeID, timestamp}
	encrypted := make([]cipher.Ciphertext, len(values))
	for i, v := range values {
		encrypted[i], err = cipher.EncryptU64(secret, nonce, uint32(i), v)
		if err != nil {
			return AuditableTransferParams{}, err
		}
	}

	return AuditableTransferParams{
		TransferParams: TransferParams{
			Sender:           sender,
			Recipient:        recipient,
			AmountLamports:   amount,
			EncryptedAmount:  encrypted[0],
			EncryptedBalance: encrypted[1],
			EphemeralKey:     ephPub,
			Nonce:            nonce,
		},
		PayeeID:            payeeID,
		Timestamp:          timestamp,
		EncryptedPayeeID:   encrypted[2],
		EncryptedTimestamp: encrypted[3],
		Auditor:            auditor,
	}, nil
}

// BatchPayment is one plaintext payroll payment before encryption.
type BatchPayment struct {
	AmountLamports uint64
	PayeeID        uint64
	Payee          crypto.AccountID
}

// EncryptBatchParams prepares a payroll batch. Field order on the wire is
// (amount, payee) per entry, then count, balance, timestamp.
func EncryptBatchParams(clusterKey crypto.X25519PublicKey, sender crypto.AccountID,
	payments []BatchPayment, balance, timestamp uint64, auditor crypto.X25519PublicKey) (BatchParams, error) {

	if len(payments) == 0 || len(payments) > circuit.MaxBatchEntries {
		return BatchParams{}, ErrBatchSize
	}

	_, ephPub, nonce, secret, err := newRequestKeys(clusterKey)
	if err != nil {
		return BatchParams{}, err
	}

	entries := make([]BatchEntryParams, len(payments))
	index := uint32(0)
	for i, p := range payments {
		encAmount, err := cipher.EncryptU64(secret, nonce, index, p.AmountLamports)
		if err != nil {
			return BatchParams{}, err
		}
		index++
		encPayee, err := cipher.EncryptU64(secret, nonce, index, p.PayeeID)
		if err != nil {
			return BatchParams{}, err
		}
		index++
		entries[i] = BatchEntryParams{
			AmountLamports:  p.AmountLamports,
			PayeeID:         p.PayeeID,
			Payee:           p.Payee,
			EncryptedAmount: encAmount,
			EncryptedPayee:  encPayee,
		}
	}

	encCount, err := cipher.EncryptU64(secret, nonce, index, uint64(len(payments)))
	if err != nil {
		return BatchParams{}, err
	}
	encBalance, err := cipher.EncryptU64(secret, nonce, index+1, balance)
	if err != nil {
		return BatchParams{}, err
	}
	encTimestamp, err := cipher.EncryptU64(secret, nonce, index+2, timestamp)
	if err != nil {
		return BatchParams{}, err
	}

	return BatchParams{
		Sender:             sender,
		Entries:            entries,
		DeclaredCount:      uint8(len(payments)),
		EncryptedBalance:   encBalance,
		EncryptedCount:     encCount,
		Timestamp:          timestamp,
		EncryptedTimestamp: encTimestamp,
		EphemeralKey:       ephPub,
		Nonce:              nonce,
		Auditor:            auditor,
	}, nil
}

func newRequestKeys(clusterKey crypto.X25519PublicKey) (cipher.PrivateKey, crypto.X25519PublicKey, crypto.Nonce, [32]byte, error) {
	ephPriv, ephPub, err := cipher.GenerateKey()
	if err != nil {
		return cipher.PrivateKey{}, crypto.X25519PublicKey{}, crypto.Nonce{}, [32]byte{}, err
	}
	var nonce crypto.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return cipher.PrivateKey{}, crypto.X25519PublicKey{}, crypto.Nonce{}, [32]byte{}, fmt.Errorf("generate nonce: %w", err)
	}
	secret, err := cipher.SharedSecret(ephPriv, clusterKey)
	if err != nil {
		return cipher.PrivateKey{}, crypto.X25519PublicKey{}, crypto.Nonce{}, [32]byte{}, err
	}
	return ephPriv, ephPub, nonce, secret, nil
}
