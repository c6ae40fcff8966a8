// Package quicutil provides QUIC utilities and TLS helpers for the realtime transport.
package quicutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// DefaultALPN is the application protocol negotiated by client and echo peer.
const DefaultALPN = "quantarax-chat"

// GenerateSelfSignedCert generates a self-signed TLS certificate for development use.
//
// The certificate uses an ECDSA P-256 key, is valid for 365 days and covers
// localhost, 127.0.0.1 and ::1. It should NOT be used in production.
//
// Returns:
//   - certPEM: PEM-encoded certificate
//   - keyPEM: PEM-encoded private key
//   - error: Non-nil if generation fails
func GenerateSelfSignedCert() (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"QuantaraX Development"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	privKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privKeyBytes,
	})

	return certPEM, keyPEM, nil
}

// MakeTLSConfig creates a server tls.Config from PEM-encoded certificate and key.
// When no ALPN is given DefaultALPN is used; QUIC refuses handshakes without one.
func MakeTLSConfig(certPEM, keyPEM []byte, alpn ...string) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   protos(alpn),
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// MakeDevServerTLSConfig generates a throwaway certificate and wraps it.
func MakeDevServerTLSConfig(alpn ...string) (*tls.Config, error) {
	certPEM, keyPEM, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return MakeTLSConfig(certPEM, keyPEM, alpn...)
}

// MakeClientTLSConfig creates a client tls.Config.
//
// insecure skips certificate verification and should ONLY be used against
// the development echo server.
func MakeClientTLSConfig(insecure bool, alpn ...string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure, // #nosec G402 -- opt-in for dev peers
		NextProtos:         protos(alpn),
		MinVersion:         tls.VersionTLS13,
	}
}

func protos(alpn []string) []string {
	if len(alpn) == 0 {
		return []string{DefaultALPN}
	}
	return alpn
}
