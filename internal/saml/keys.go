// Package saml implements the service-provider side of the SAML artifact
// binding used by the BSN login flow: signed metadata, the redirect-bound
// AuthnRequest, and back-channel artifact resolution over mutual TLS.
package saml

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyPair is the service provider's signing identity.
type KeyPair struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	// certDER is kept for embedding in metadata and signatures.
	certDER []byte
}

// LoadKeyPair reads a PEM certificate and PEM private key from disk.
func LoadKeyPair(certPath, keyPath string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParseKeyPair(certPEM, keyPEM)
}

// ParseKeyPair parses a PEM certificate and PEM PKCS#1/PKCS#8 RSA key.
func ParseKeyPair(certPEM, keyPEM []byte) (*KeyPair, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("saml: no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("saml: invalid certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("saml: no PEM block in private key")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err == nil {
		key = parsed
	} else {
		parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("saml: invalid private key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("saml: private key is not RSA")
		}
		key = rsaKey
	}

	return &KeyPair{PrivateKey: key, Certificate: cert, certDER: certBlock.Bytes}, nil
}

// LoadCertificate reads a single PEM certificate from disk, used for the
// IdP's signature verification certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("saml: no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("saml: invalid certificate: %w", err)
	}
	return cert, nil
}

// CertificateBase64 returns the certificate DER as base64, the form SAML
// documents embed.
func (kp *KeyPair) CertificateBase64() string {
	return base64.StdEncoding.EncodeToString(kp.certDER)
}

// TLSCertificate returns the pair as a client certificate for the mutual
// TLS back channel.
func (kp *KeyPair) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{kp.certDER},
		PrivateKey:  kp.PrivateKey,
		Leaf:        kp.Certificate,
	}
}
