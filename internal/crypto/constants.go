package crypto

const (
	HashSize            = 32
	AccountIDSize       = 32
	X25519PublicKeySize = 32
	NonceSize           = 16
)
