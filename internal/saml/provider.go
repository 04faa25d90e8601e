package saml

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"
)

// Environment selects which IdP back channel is used.
const (
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Config is the static SAML configuration of one deployment.
type Config struct {
	// Issuer is the service provider entity id, also enforced as the
	// audience on incoming assertions.
	Issuer string

	// SSOURL is the IdP endpoint the browser is redirected to.
	SSOURL string

	// ArtifactURLStaging and ArtifactURLProduction are the back-channel
	// SOAP endpoints for artifact resolution.
	ArtifactURLStaging    string
	ArtifactURLProduction string

	// IdPCertificate verifies every signature in IdP responses.
	IdPCertificate *x509.Certificate

	// CAChainPath points at the PEM bundle trusted for the mutual TLS
	// back channel.
	CAChainPath string
}

// Provider holds the key material and the back-channel HTTP client.
type Provider struct {
	cfg    Config
	keys   *KeyPair
	client *http.Client

	// now is swappable for tests.
	now func() time.Time
}

// NewProvider builds the provider, wiring the mutual TLS client for the
// artifact back channel.
func NewProvider(cfg Config, keys *KeyPair) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("saml: issuer is required")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{keys.TLSCertificate()},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAChainPath != "" {
		chain, err := os.ReadFile(cfg.CAChainPath)
		if err != nil {
			return nil, fmt.Errorf("saml: failed to read CA chain: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(chain) {
			return nil, fmt.Errorf("saml: CA chain contains no certificates")
		}
		tlsConfig.RootCAs = pool
	}

	return &Provider{
		cfg:  cfg,
		keys: keys,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		now: time.Now,
	}, nil
}

// artifactURL picks the back channel for the deployment environment.
func (p *Provider) artifactURL(environment string) string {
	if environment == EnvProduction {
		return p.cfg.ArtifactURLProduction
	}
	return p.cfg.ArtifactURLStaging
}

// requestID produces the unique _-prefixed id SAML requires.
func requestID() string {
	return "_" + uuid.NewString()
}

// signingContext builds a goxmldsig context over the provider key pair for
// enveloped XML signatures (metadata, ArtifactResolve).
func (p *Provider) signingContext() (*dsig.SigningContext, error) {
	keyStore := dsig.TLSCertKeyStore(p.keys.TLSCertificate())
	ctx := dsig.NewDefaultSigningContext(keyStore)
	if err := ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, fmt.Errorf("saml: %w", err)
	}
	return ctx, nil
}

// signQuery computes the RSA-SHA256 detached signature over the redirect
// binding query string.
func (p *Provider) signQuery(query string) (string, error) {
	digest := sha256.Sum256([]byte(query))
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.keys.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("saml: failed to sign query: %w", err)
	}
	return string(sig), nil
}

// VerifyQuerySignature checks a redirect-binding signature against a public
// key; exported for tests and for IdP-initiated flows.
func VerifyQuerySignature(pub *rsa.PublicKey, query string, signature []byte) error {
	digest := sha256.Sum256([]byte(query))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature)
}
