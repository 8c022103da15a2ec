package cert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultpay/confidential/internal/crypto/ed25519"
)

func generateTestCert(t *testing.T, validity time.Duration) (*Generator, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err, "Failed to generate Ed25519 key pair")
	return NewGenerator(Config{
		PublicKey:          pub,
		PrivateKey:         priv,
		CertValidityPeriod: validity,
	}), pub
}

func TestGenerateAndValidateCertificate(t *testing.T) {
	generator, pub := generateTestCert(t, 24*time.Hour)
	cert, err := generator.GenerateCertificate()
	require.NoError(t, err, "Failed to generate certificate")
	require.NotNil(t, cert.Leaf)

	require.NoError(t, NewValidator().ValidateCertificate(cert.Leaf))

	extracted, err := NewValidator().ExtractPublicKey(cert.Leaf)
	require.NoError(t, err)
	assert.Equal(t, pub, extracted)
}

func TestCertificateDNSNameFormat(t *testing.T) {
	generator, pub := generateTestCert(t, 24*time.Hour)
	cert, err := generator.GenerateCertificate()
	require.NoError(t, err)

	require.Len(t, cert.Leaf.DNSNames, 1, "Certificate must have exactly one DNS name")
	dnsName := cert.Leaf.DNSNames[0]
	assert.Equal(t, dnsNameLength, len(dnsName))
	assert.Equal(t, DNSNamePrefix, dnsName[:1])
	assert.Equal(t, EncodePubKeyToDNS(pub), dnsName)
}

func TestValidateCertificateFailsForMismatchedPublicKey(t *testing.T) {
	generator, _ := generateTestCert(t, 24*time.Hour)
	cert, err := generator.GenerateCertificate()
	require.NoError(t, err)

	wrongPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cert.Leaf.PublicKey = wrongPub

	err = NewValidator().ValidateCertificate(cert.Leaf)
	assert.Error(t, err, "Expected validation to fail when DNS name and public key disagree")
}

func TestValidateCertificateExpired(t *testing.T) {
	generator, _ := generateTestCert(t, -1*time.Hour)
	cert, err := generator.GenerateCertificate()
	require.NoError(t, err)

	err = NewValidator().ValidateCertificate(cert.Leaf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certificate has expired")
}

func TestValidateCertificateFutureStartDate(t *testing.T) {
	generator, _ := generateTestCert(t, 24*time.Hour)
	cert, err := generator.GenerateCertificate()
	require.NoError(t, err)
	cert.Leaf.NotBefore = time.Now().Add(1 * time.Hour)

	err = NewValidator().ValidateCertificate(cert.Leaf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certificate is not yet valid")
}
