package store

// Prefix constants for all store types
const (
	prefixBalance byte = iota + 1
	prefixEscrowEntry
	prefixTransferRequest
	prefixBatchRequest
)

// PrefixToString converts a prefix byte to a string
func PrefixToString(p byte) string {
	switch p {
	case prefixBalance:
		return "balance"
	case prefixEscrowEntry:
		return "escrowEntry"
	case prefixTransferRequest:
		return "transferRequest"
	case prefixBatchRequest:
		return "batchRequest"
	default:
		return "unknown"
	}
}

// makeKey creates a key from a prefix and an identifier
func makeKey(prefix byte, id []byte) []byte {
	key := make([]byte, 1+len(id))
	key[0] = prefix
	copy(key[1:], id)
	return key
}
