package saml

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

// SAML status codes the artifact flow distinguishes.
const (
	statusSuccess         = "urn:oasis:names:tc:SAML:2.0:status:Success"
	statusAuthnFailed     = "urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"
	statusNoAuthnContext  = "urn:oasis:names:tc:SAML:2.0:status:NoAuthnContext"
	statusRequestDenied   = "urn:oasis:names:tc:SAML:2.0:status:RequestDenied"
	bsnPrefix             = "s00000000:"
	samlTimestampLayout   = "2006-01-02T15:04:05Z"
	samlTimestampFraction = "2006-01-02T15:04:05.999Z"
)

// ResolveArtifact exchanges the artifact for an assertion over the mutual
// TLS back channel and returns the authenticated BSN.
func (p *Provider) ResolveArtifact(ctx context.Context, environment, artifact string) (string, error) {
	if artifact == "" {
		return "", apperr.BadRequest("authDigidBased.resolveArtifact.missingArtifact", nil)
	}

	envelope, err := p.buildArtifactResolve(artifact)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.artifactURL(environment), bytes.NewReader(envelope))
	if err != nil {
		return "", apperr.Server("authDigidBased.resolveArtifact.request", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", apperr.Server("authDigidBased.resolveArtifact.backChannel", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperr.Server("authDigidBased.resolveArtifact.backChannel", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Server("authDigidBased.resolveArtifact.backChannel",
			fmt.Errorf("idp returned status %d", resp.StatusCode))
	}

	return p.parseArtifactResponse(body)
}

func (p *Provider) buildArtifactResolve(artifact string) ([]byte, error) {
	doc := etree.NewDocument()

	envelope := doc.CreateElement("soapenv:Envelope")
	envelope.CreateAttr("xmlns:soapenv", nsSOAP)
	body := envelope.CreateElement("soapenv:Body")

	resolve := body.CreateElement("samlp:ArtifactResolve")
	resolve.CreateAttr("xmlns:samlp", nsProtocol)
	resolve.CreateAttr("xmlns:saml", nsAssertion)
	resolve.CreateAttr("ID", requestID())
	resolve.CreateAttr("Version", "2.0")
	resolve.CreateAttr("IssueInstant", p.now().UTC().Format(samlTimestampLayout))

	issuer := resolve.CreateElement("saml:Issuer")
	issuer.SetText(p.cfg.Issuer)

	art := resolve.CreateElement("samlp:Artifact")
	art.SetText(artifact)

	signingCtx, err := p.signingContext()
	if err != nil {
		return nil, err
	}
	signed, err := signingCtx.SignEnveloped(resolve)
	if err != nil {
		return nil, apperr.Server("authDigidBased.resolveArtifact.sign", err)
	}

	body.RemoveChild(resolve)
	body.AddChild(signed)

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(envelope)
	return out.WriteToBytes()
}

// parseArtifactResponse verifies every signature, checks the status codes,
// enforces the assertion conditions, and extracts the BSN.
func (p *Provider) parseArtifactResponse(body []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return "", apperr.Server("authDigidBased.resolveArtifact.invalidResponse", err)
	}

	if err := p.verifySignatures(doc.Root()); err != nil {
		return "", err
	}

	// The outer status belongs to ArtifactResponse, the inner one to the
	// embedded Response; both must be checked.
	for _, status := range doc.FindElements("//StatusCode") {
		if err := mapStatus(status.SelectAttrValue("Value", "")); err != nil {
			return "", err
		}
	}
	if len(doc.FindElements("//StatusCode")) == 0 {
		return "", apperr.Server("authDigidBased.resolveArtifact.invalidResponse",
			fmt.Errorf("response carries no status"))
	}

	assertion := doc.FindElement("//Assertion")
	if assertion == nil {
		return "", apperr.Server("authDigidBased.resolveArtifact.invalidResponse",
			fmt.Errorf("response carries no assertion"))
	}

	if err := p.checkConditions(assertion); err != nil {
		return "", err
	}

	nameID := assertion.FindElement("./Subject/NameID")
	if nameID == nil {
		return "", apperr.Server("authDigidBased.resolveArtifact.invalidResponse",
			fmt.Errorf("assertion carries no NameID"))
	}

	return ExtractBSN(strings.TrimSpace(nameID.Text()))
}

// verifySignatures validates every enveloped signature in the document
// against the IdP certificate.
func (p *Provider) verifySignatures(root *etree.Element) error {
	if p.cfg.IdPCertificate == nil {
		return apperr.Server("authDigidBased.resolveArtifact.missingIdpCertificate", nil)
	}

	certStore := &dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{p.cfg.IdPCertificate},
	}
	validation := dsig.NewDefaultValidationContext(certStore)

	signatures := root.FindElements("//Signature")
	if len(signatures) == 0 {
		return apperr.Server("authDigidBased.resolveArtifact.unsignedResponse",
			fmt.Errorf("response carries no signatures"))
	}

	for _, sig := range signatures {
		parent := sig.Parent()
		if parent == nil {
			continue
		}
		if _, err := validation.Validate(parent); err != nil {
			return apperr.Unauthorized("authDigidBased.resolveArtifact.invalidSignature").WithCause(err)
		}
	}
	return nil
}

// checkConditions enforces the audience restriction and the validity window.
func (p *Provider) checkConditions(assertion *etree.Element) error {
	conditions := assertion.FindElement("./Conditions")
	if conditions == nil {
		return apperr.Server("authDigidBased.resolveArtifact.invalidResponse",
			fmt.Errorf("assertion carries no conditions"))
	}

	audience := conditions.FindElement("./AudienceRestriction/Audience")
	if audience == nil || strings.TrimSpace(audience.Text()) != p.cfg.Issuer {
		return apperr.Unauthorized("authDigidBased.resolveArtifact.invalidAudience")
	}

	now := p.now().UTC()
	notBefore, err := parseSAMLTime(conditions.SelectAttrValue("NotBefore", ""))
	if err != nil {
		return apperr.Server("authDigidBased.resolveArtifact.invalidResponse", err)
	}
	notOnOrAfter, err := parseSAMLTime(conditions.SelectAttrValue("NotOnOrAfter", ""))
	if err != nil {
		return apperr.Server("authDigidBased.resolveArtifact.invalidResponse", err)
	}
	if now.Before(notBefore) || !now.Before(notOnOrAfter) {
		return apperr.Unauthorized("authDigidBased.resolveArtifact.expiredAssertion")
	}
	return nil
}

func parseSAMLTime(value string) (time.Time, error) {
	if t, err := time.Parse(samlTimestampLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(samlTimestampFraction, value)
}

// mapStatus translates a SAML status code to the flow error; success maps
// to nil.
func mapStatus(code string) error {
	switch code {
	case statusSuccess:
		return nil
	case statusAuthnFailed:
		// The user cancelled at the IdP.
		return apperr.Unauthorized("authDigidBased.resolveArtifact.aborted")
	case statusNoAuthnContext:
		return apperr.Unauthorized("authDigidBased.resolveArtifact.insufficientSecurityLevel")
	case statusRequestDenied:
		return apperr.Unauthorized("authDigidBased.resolveArtifact.invalidSAMLArt")
	default:
		return apperr.Server("authDigidBased.resolveArtifact.unexpectedStatus",
			fmt.Errorf("status code %q", code))
	}
}

// ExtractBSN validates the sector prefix on a NameID and normalizes the BSN
// to its canonical nine-digit, zero-padded form.
func ExtractBSN(nameID string) (string, error) {
	if !strings.HasPrefix(nameID, bsnPrefix) {
		return "", apperr.Unauthorized("authDigidBased.resolveArtifact.invalidNameId")
	}
	bsn := strings.TrimPrefix(nameID, bsnPrefix)
	if bsn == "" || len(bsn) > 9 {
		return "", apperr.Unauthorized("authDigidBased.resolveArtifact.invalidNameId")
	}
	for _, r := range bsn {
		if r < '0' || r > '9' {
			return "", apperr.Unauthorized("authDigidBased.resolveArtifact.invalidNameId")
		}
	}
	for len(bsn) < 9 {
		bsn = "0" + bsn
	}
	return bsn, nil
}
