package leap

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAndGetBootstrapCredentials(t *testing.T) {
	creds := BootstrapCredentials{CertPEM: []byte("cert"), KeyPEM: []byte("key"), CAPEM: []byte("ca")}
	SetBootstrapCredentials(creds)
	t.Cleanup(func() { SetBootstrapCredentials(BootstrapCredentials{}) })

	got, err := currentBootstrapCredentials()
	require.NoError(t, err)
	require.Equal(t, creds.CertPEM, got.CertPEM)
}

func TestCurrentBootstrapCredentialsErrorsWhenUnset(t *testing.T) {
	bootstrapMu.Lock()
	saved := bootstrapCreds
	bootstrapCreds = nil
	bootstrapMu.Unlock()
	t.Cleanup(func() {
		bootstrapMu.Lock()
		bootstrapCreds = saved
		bootstrapMu.Unlock()
	})

	_, err := currentBootstrapCredentials()
	require.Error(t, err)
}

func TestLoadTLSCertificateRoundTrips(t *testing.T) {
	cert := generateTestCertificate(t)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	got, err := loadTLSCertificate(certPEM, keyPEM)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got.Certificate[0], cert.Certificate[0]))
}

func TestLoadCAPoolRejectsGarbage(t *testing.T) {
	_, err := loadCAPool([]byte("not a cert"))
	require.Error(t, err)
}

func TestLoadCAPoolAcceptsValidCert(t *testing.T) {
	cert := generateTestCertificate(t)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	pool, err := loadCAPool(certPEM)
	require.NoError(t, err)
	require.NotNil(t, pool)
}
