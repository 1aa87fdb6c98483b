package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// clientTrustBundleFile holds the CA bundle the node uses to verify
// inbound client certificates.
const clientTrustBundleFile = "client.crt"

// clientCAFileName returns the per-client trust anchor file name used
// when dialing back out to that client.
func clientCAFileName(clientName string) string {
	return clientName + ".crt"
}

// ServerTLSConfig builds the inbound listener configuration: the node's
// own identity certificate (CN "Edge") plus CERT_REQUIRED verification
// against the client trust bundle in certDir/client.crt.
func ServerTLSConfig(certDir string) (*tls.Config, error) {
	identity, err := LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load server identity: %w", err)
	}

	pool, err := loadCertBundle(certDir, clientTrustBundleFile)
	if err != nil {
		return nil, fmt.Errorf("load client trust bundle: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*identity},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the outbound dial configuration used to call
// back a specific client: the node's own identity certificate, verified
// against that client's per-client CA bundle, trusting the client to
// present a certificate for clientName.
//
// Trust here is by CA bundle, not by hostname: callback addresses are
// bare IPs off the job record, and the certificates this system issues
// carry identity in the Subject Common Name rather than a SAN list, so
// Go's stdlib hostname verification (which ignores CommonName) cannot
// be used as-is. Chain verification runs manually in
// verifyAgainstPool instead of through ServerName/VerifyHostname.
func ClientTLSConfig(certDir, clientName string) (*tls.Config, error) {
	identity, err := LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load server identity: %w", err)
	}

	pool, err := loadCertPool(certDir, clientCAFileName(clientName))
	if err != nil {
		return nil, fmt.Errorf("load CA bundle for client %q: %w", clientName, err)
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{*identity},
		RootCAs:               pool,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyAgainstPool(pool),
		MinVersion:            tls.VersionTLS12,
	}, nil
}

// verifyAgainstPool builds a VerifyPeerCertificate callback that chains
// the presented leaf up to roots, with no hostname comparison. It
// replaces the default verifier, which InsecureSkipVerify disables, so
// that CN-only certificates (no SAN) still verify correctly under Go
// 1.15+'s stricter stdlib rules.
func verifyAgainstPool(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse intermediate certificate: %w", err)
			}
			intermediates.AddCert(cert)
		}
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		return err
	}
}

func loadCertPool(certDir, fileName string) (*x509.CertPool, error) {
	cert, err := LoadCACertFromFile(certDir, fileName)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}

// loadCertBundle parses every PEM-encoded certificate in fileName into
// one pool. The inbound trust bundle concatenates one entry per
// registered client, unlike the single-certificate per-client files
// used for outbound dialing.
func loadCertBundle(certDir, fileName string) (*x509.CertPool, error) {
	data, err := os.ReadFile(filepath.Join(certDir, fileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%s contains no valid certificates", fileName)
	}
	return pool, nil
}
