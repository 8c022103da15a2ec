package store

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vaultpay/confidential/internal/comp"
	"github.com/vaultpay/confidential/internal/escrow"
	"github.com/vaultpay/confidential/pkg/db"
	"github.com/vaultpay/confidential/pkg/db/pebble"
)

var ErrNotFound = errors.New("custody record not found")

// Custody persists escrow entries and pending computation requests so the
// callback can resume a transfer even after the submitting session ends.
type Custody struct {
	db.KVStore
}

// NewCustody creates a new custody store using KVStore
func NewCustody(db db.KVStore) *Custody {
	return &Custody{KVStore: db}
}

// GetEscrowEntry retrieves a custody record by its derived identity.
func (c *Custody) GetEscrowEntry(id escrow.ID) (escrow.Entry, error) {
	bytes, err := c.Get(makeKey(prefixEscrowEntry, id[:]))
	if errors.Is(err, pebble.ErrNotFound) {
		return escrow.Entry{}, ErrNotFound
	}
	if err != nil {
		return escrow.Entry{}, fmt.Errorf("get escrow entry: %w", err)
	}
	var entry escrow.Entry
	if err := cbor.Unmarshal(bytes, &entry); err != nil {
		return escrow.Entry{}, fmt.Errorf("unmarshal escrow entry: %w", err)
	}
	return entry, nil
}

// PutEscrowEntryInBatch stages an escrow entry write inside an atomic batch.
func (c *Custody) PutEscrowEntryInBatch(batch db.Batch, entry escrow.Entry) error {
	bytes, err := cbor.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal escrow entry: %w", err)
	}
	if err := batch.Put(makeKey(prefixEscrowEntry, entry.ID[:]), bytes); err != nil {
		return fmt.Errorf("batch put escrow entry: %w", err)
	}
	return nil
}

// DeleteEscrowEntryInBatch stages removal of a zeroed custody record.
func (c *Custody) DeleteEscrowEntryInBatch(batch db.Batch, id escrow.ID) error {
	if err := batch.Delete(makeKey(prefixEscrowEntry, id[:])); err != nil {
		return fmt.Errorf("batch delete escrow entry: %w", err)
	}
	return nil
}

// GetTransferRequest retrieves a pending or resolved transfer by handle.
func (c *Custody) GetTransferRequest(handle comp.Handle) (escrow.TransferRequest, error) {
	bytes, err := c.Get(makeKey(prefixTransferRequest, handle[:]))
	if errors.Is(err, pebble.ErrNotFound) {
		return escrow.TransferRequest{}, ErrNotFound
	}
	if err != nil {
		return escrow.TransferRequest{}, fmt.Errorf("get transfer request: %w", err)
	}
	var req escrow.TransferRequest
	if err := cbor.Unmarshal(bytes, &req); err != nil {
		return escrow.TransferRequest{}, fmt.Errorf("unmarshal transfer request: %w", err)
	}
	return req, nil
}

// PutTransferRequestInBatch stages a transfer request write inside an
// atomic batch.
func (c *Custody) PutTransferRequestInBatch(batch db.Batch, req escrow.TransferRequest) error {
	bytes, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal transfer request: %w", err)
	}
	if err := batch.Put(makeKey(prefixTransferRequest, req.Handle[:]), bytes); err != nil {
		return fmt.Errorf("batch put transfer request: %w", err)
	}
	return nil
}

// DeleteTransferRequest removes a request record, used only to roll back a
// submission whose computation never queued.
func (c *Custody) DeleteTransferRequest(handle comp.Handle) error {
	if err := c.Delete(makeKey(prefixTransferRequest, handle[:])); err != nil {
		return fmt.Errorf("delete transfer request: %w", err)
	}
	return nil
}

// DeleteBatchRequest removes a payroll batch record, used only to roll back
// a submission whose computation never queued.
func (c *Custody) DeleteBatchRequest(handle comp.Handle) error {
	if err := c.Delete(makeKey(prefixBatchRequest, handle[:])); err != nil {
		return fmt.Errorf("delete batch request: %w", err)
	}
	return nil
}

// TransferRequests returns every stored transfer request in key order.
func (c *Custody) TransferRequests() ([]escrow.TransferRequest, error) {
	var out []escrow.TransferRequest
	err := c.scan(prefixTransferRequest, func(value []byte) error {
		var req escrow.TransferRequest
		if err := cbor.Unmarshal(value, &req); err != nil {
			return fmt.Errorf("unmarshal transfer request: %w", err)
		}
		out = append(out, req)
		return nil
	})
	return out, err
}

// BatchRequests returns every stored payroll batch in key order.
func (c *Custody) BatchRequests() ([]escrow.BatchRequest, error) {
	var out []escrow.BatchRequest
	err := c.scan(prefixBatchRequest, func(value []byte) error {
		var req escrow.BatchRequest
		if err := cbor.Unmarshal(value, &req); err != nil {
			return fmt.Errorf("unmarshal batch request: %w", err)
		}
		out = append(out, req)
		return nil
	})
	return out, err
}

// scan iterates every record under one key prefix.
func (c *Custody) scan(prefix byte, fn func(value []byte) error) error {
	iter, err := c.NewIterator([]byte{prefix}, []byte{prefix + 1})
	if err != nil {
		return fmt.Errorf("iterate %s records: %w", PrefixToString(prefix), err)
	}
	defer iter.Close()

	for iter.Next() {
		value, err := iter.Value()
		if err != nil {
			return err
		}
		if err := fn(value); err != nil {
			return err
		}
	}
	return nil
}

// GetBatchRequest retrieves a pending or resolved payroll batch by handle.
func (c *Custody) GetBatchRequest(handle comp.Handle) (escrow.BatchRequest, error) {
	bytes, err := c.Get(makeKey(prefixBatchRequest, handle[:]))
	if errors.Is(err, pebble.ErrNotFound) {
		return escrow.BatchRequest{}, ErrNotFound
	}
	if err != nil {
		return escrow.BatchRequest{}, fmt.Errorf("get batch request: %w", err)
	}
	var req escrow.BatchRequest
	if err := cbor.Unmarshal(bytes, &req); err != nil {
		return escrow.BatchRequest{}, fmt.Errorf("unmarshal batch request: %w", err)
	}
	return req, nil
}

// PutBatchRequestInBatch stages a payroll batch write inside an atomic batch.
func (c *Custody) PutBatchRequestInBatch(batch db.Batch, req escrow.BatchRequest) error {
	bytes, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal batch request: %w", err)
	}
	if err := batch.Put(makeKey(prefixBatchRequest, req.Handle[:]), bytes); err != nil {
		return fmt.Errorf("batch put batch request: %w", err)
	}
	return nil
}
