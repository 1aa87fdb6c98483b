package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned builds a throwaway self-signed certificate/key pair for
// exercising the file-based load/save helpers without a real CA.
func selfSigned(t *testing.T, cn string, notAfter time.Time) (*tls.Certificate, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, der
}

func TestSaveLoadCertToFile(t *testing.T) {
	cert, _ := selfSigned(t, "Edge", time.Now().Add(365*24*time.Hour))
	certDir := t.TempDir()

	require.NoError(t, SaveCertToFile(cert, certDir))

	assert.FileExists(t, filepath.Join(certDir, "server.crt"))
	assert.FileExists(t, filepath.Join(certDir, "server.key"))

	loaded, err := LoadCertFromFile(certDir)
	require.NoError(t, err)
	assert.Equal(t, cert.Leaf.Subject.CommonName, loaded.Leaf.Subject.CommonName)
}

func TestSaveLoadCACertToFile(t *testing.T) {
	_, der := selfSigned(t, "acme-ca", time.Now().Add(365*24*time.Hour))
	certDir := t.TempDir()

	require.NoError(t, SaveCACertToFile(der, certDir, "acme.crt"))
	assert.FileExists(t, filepath.Join(certDir, "acme.crt"))

	loaded, err := LoadCACertFromFile(certDir, "acme.crt")
	require.NoError(t, err)
	assert.Equal(t, "acme-ca", loaded.Subject.CommonName)
}

func TestCertExists(t *testing.T) {
	tmpDir := t.TempDir()

	assert.False(t, CertExists(tmpDir))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "server.crt"), []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "server.key"), []byte("key"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "client.crt"), []byte("ca"), 0600))

	assert.True(t, CertExists(tmpDir))

	require.NoError(t, os.Remove(filepath.Join(tmpDir, "server.key")))
	assert.False(t, CertExists(tmpDir))
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		needsRot bool
	}{
		{"expiring in 1 day", time.Now().Add(24 * time.Hour), true},
		{"expiring in 29 days", time.Now().Add(29 * 24 * time.Hour), true},
		{"expiring in 31 days", time.Now().Add(31 * 24 * time.Hour), false},
		{"expiring in 60 days", time.Now().Add(60 * 24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotAfter: tt.notAfter}
			assert.Equal(t, tt.needsRot, CertNeedsRotation(cert))
		})
	}

	assert.True(t, CertNeedsRotation(nil))
}

func TestGetCertExpiry(t *testing.T) {
	expected := time.Now().Add(90 * 24 * time.Hour)
	cert := &x509.Certificate{NotAfter: expected}

	assert.True(t, GetCertExpiry(cert).Equal(expected))
	assert.True(t, GetCertExpiry(nil).IsZero())
}

func TestGetCertTimeRemaining(t *testing.T) {
	expected := 45 * 24 * time.Hour
	cert := &x509.Certificate{NotAfter: time.Now().Add(expected)}

	remaining := GetCertTimeRemaining(cert)
	assert.InDelta(t, expected, remaining, float64(time.Second))

	assert.Equal(t, time.Duration(0), GetCertTimeRemaining(nil))
}

func TestValidateCertChain(t *testing.T) {
	cert, der := selfSigned(t, "globex", time.Now().Add(24*time.Hour))
	ca, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	assert.NoError(t, ValidateCertChain(cert.Leaf, ca))
	assert.Error(t, ValidateCertChain(nil, ca))
	assert.Error(t, ValidateCertChain(cert.Leaf, nil))
}

func TestGetCertInfo(t *testing.T) {
	cert, _ := selfSigned(t, "globex", time.Now().Add(24*time.Hour))

	info := GetCertInfo(cert.Leaf)
	assert.Equal(t, "globex", info["subject"])
	assert.Equal(t, false, info["is_ca"])

	nilInfo := GetCertInfo(nil)
	assert.Contains(t, nilInfo, "error")
}

func TestRemoveCerts(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "server.crt"), []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "server.key"), []byte("key"), 0600))

	require.NoError(t, RemoveCerts(tmpDir))

	_, err := os.Stat(tmpDir)
	assert.True(t, os.IsNotExist(err))
}
