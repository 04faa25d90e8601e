package saml

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

func parseElement(raw string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		return nil, err
	}
	return doc.Root(), nil
}

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-sp"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	pair, err := ParseKeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return pair
}

func testProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(Config{
		Issuer: "https://sp.example.com/saml/metadata",
		SSOURL: "https://idp.example.com/sso",
	}, testKeyPair(t))
	require.NoError(t, err)
	return p
}

func TestExtractBSN(t *testing.T) {
	bsn, err := ExtractBSN("s00000000:123456789")
	require.NoError(t, err)
	assert.Equal(t, "123456789", bsn)

	// Short BSNs are zero-padded to nine digits.
	bsn, err = ExtractBSN("s00000000:1234567")
	require.NoError(t, err)
	assert.Equal(t, "001234567", bsn)

	for _, bad := range []string{"123456789", "s00000001:123456789", "s00000000:", "s00000000:12345678x", "s00000000:1234567890"} {
		_, err := ExtractBSN(bad)
		require.Error(t, err, bad)
		assert.Equal(t, "authDigidBased.resolveArtifact.invalidNameId", apperr.From(err).Key)
	}
}

func TestMapStatus(t *testing.T) {
	require.NoError(t, mapStatus(statusSuccess))

	cases := map[string]struct {
		key    string
		status int
	}{
		statusAuthnFailed:    {"authDigidBased.resolveArtifact.aborted", 401},
		statusNoAuthnContext: {"authDigidBased.resolveArtifact.insufficientSecurityLevel", 401},
		statusRequestDenied:  {"authDigidBased.resolveArtifact.invalidSAMLArt", 401},
		"urn:something:else": {"authDigidBased.resolveArtifact.unexpectedStatus", 500},
	}
	for code, want := range cases {
		err := mapStatus(code)
		require.Error(t, err, code)
		assert.Equal(t, want.key, apperr.From(err).Key)
		assert.Equal(t, want.status, apperr.From(err).Status)
	}
}

func TestRedirectURLSignature(t *testing.T) {
	p := testProvider(t)

	redirect, err := p.RedirectURL()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect, "https://idp.example.com/sso?"))

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)

	query := parsed.Query()
	require.NotEmpty(t, query.Get("SAMLRequest"))
	assert.Equal(t, sigAlgRSASHA256, query.Get("SigAlg"))

	signature, err := base64.StdEncoding.DecodeString(query.Get("Signature"))
	require.NoError(t, err)

	// The signature covers the canonical SAMLRequest|SigAlg query string.
	signedQuery := "SAMLRequest=" + url.QueryEscape(query.Get("SAMLRequest")) +
		"&SigAlg=" + url.QueryEscape(query.Get("SigAlg"))
	require.NoError(t, VerifyQuerySignature(&p.keys.PrivateKey.PublicKey, signedQuery, signature))

	// A tampered request must not verify.
	tampered := "SAMLRequest=forged&SigAlg=" + url.QueryEscape(query.Get("SigAlg"))
	require.Error(t, VerifyQuerySignature(&p.keys.PrivateKey.PublicKey, tampered, signature))
}

func TestMetadataContainsCertificate(t *testing.T) {
	p := testProvider(t)

	metadata, err := p.Metadata("https://api.example.com/auth/digid/login")
	require.NoError(t, err)

	doc := string(metadata)
	assert.Contains(t, doc, p.cfg.Issuer)
	assert.Contains(t, doc, p.keys.CertificateBase64())
	assert.Contains(t, doc, "AssertionConsumerService")
	assert.Contains(t, doc, "Signature")
}

func TestCheckConditions(t *testing.T) {
	p := testProvider(t)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	build := func(audience, notBefore, notOnOrAfter string) string {
		return `<Assertion><Conditions NotBefore="` + notBefore + `" NotOnOrAfter="` + notOnOrAfter + `">` +
			`<AudienceRestriction><Audience>` + audience + `</Audience></AudienceRestriction>` +
			`</Conditions></Assertion>`
	}

	parse := func(raw string) error {
		assertion, err := parseElement(raw)
		require.NoError(t, err)
		return p.checkConditions(assertion)
	}

	valid := build(p.cfg.Issuer, "2026-08-24T11:55:00Z", "2026-08-24T12:05:00Z")
	require.NoError(t, parse(valid))

	wrongAudience := build("https://other.example.com", "2026-08-24T11:55:00Z", "2026-08-24T12:05:00Z")
	err := parse(wrongAudience)
	require.Error(t, err)
	assert.Equal(t, "authDigidBased.resolveArtifact.invalidAudience", apperr.From(err).Key)

	expired := build(p.cfg.Issuer, "2026-08-24T11:00:00Z", "2026-08-24T11:30:00Z")
	err = parse(expired)
	require.Error(t, err)
	assert.Equal(t, "authDigidBased.resolveArtifact.expiredAssertion", apperr.From(err).Key)

	notYet := build(p.cfg.Issuer, "2026-08-24T12:30:00Z", "2026-08-24T13:00:00Z")
	err = parse(notYet)
	require.Error(t, err)
	assert.Equal(t, "authDigidBased.resolveArtifact.expiredAssertion", apperr.From(err).Key)
}
