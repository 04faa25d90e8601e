// Command keygen produces the secrets a deployment needs: the APP_KEYS
// signing secret, and optionally an RSA key pair with a self-signed
// certificate for the SAML service provider.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/lightbase/lpc-backend/internal/crypto"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	samlSubject := flag.String("saml", "", "also generate a SAML key pair with this subject CN")
	outDir := flag.String("out", ".", "directory for the SAML PEM files")
	flag.Parse()

	appKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Printf("APP_KEYS=%s\n", appKey)

	if *samlSubject == "" {
		return nil
	}
	return writeSAMLPair(*samlSubject, *outDir)
}

func writeSAMLPair(subject, dir string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subject},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(3, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return err
	}

	keyPath := dir + "/saml-key.pem"
	certPath := dir + "/saml-cert.pem"

	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyOut, 0o600); err != nil {
		return err
	}
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certOut, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote %s and %s\n", keyPath, certPath)
	return nil
}
