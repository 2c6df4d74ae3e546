// Package tlsctx builds the server side TLS context from a PEM certificate and private key.
package tlsctx

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	ErrCertificateRead       = errors.New("cannot read certificate file")
	ErrKeyRead               = errors.New("cannot read private key file")
	ErrInvalidCertificatePEM = errors.New("certificate file contains no PEM certificate")
	ErrInvalidKeyPEM         = errors.New("key file contains no PEM private key")
	ErrKeyMismatch           = errors.New("private key does not match certificate")
)

// Load reads certFile and keyFile and returns a TLS config that presents the pair
// on every handshake. Client certificates are not requested and protocol versions
// and cipher suites stay at the crypto/tls defaults.
func Load(certFile, keyFile string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrCertificateRead, certFile, err)
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrKeyRead, keyFile, err)
	}

	return FromPEM(certPEM, keyPEM)
}

// FromPEM is Load for in-memory PEM data.
func FromPEM(certPEM, keyPEM []byte) (*tls.Config, error) {
	if !hasBlock(certPEM, func(t string) bool { return t == "CERTIFICATE" }) {
		return nil, ErrInvalidCertificatePEM
	}

	if !hasBlock(keyPEM, func(t string) bool { return strings.HasSuffix(t, "PRIVATE KEY") }) {
		return nil, ErrInvalidKeyPEM
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyMismatch, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

func hasBlock(data []byte, match func(blockType string) bool) bool {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return false
		}
		if match(block.Type) {
			return true
		}
	}
}

// Identity summarises the certificate presented by a TLS config.
type Identity struct {
	Subject  string
	DNSNames []string
	NotAfter time.Time
}

// Describe returns the identity of the first certificate in cfg.
func Describe(cfg *tls.Config) (Identity, error) {
	if cfg == nil || len(cfg.Certificates) == 0 || len(cfg.Certificates[0].Certificate) == 0 {
		return Identity{}, errors.New("no certificate configured")
	}

	leaf := cfg.Certificates[0].Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
		if err != nil {
			return Identity{}, fmt.Errorf("parse leaf certificate: %w", err)
		}
	}

	return Identity{
		Subject:  leaf.Subject.String(),
		DNSNames: leaf.DNSNames,
		NotAfter: leaf.NotAfter,
	}, nil
}
