package saml

import (
	"fmt"

	"github.com/beevik/etree"
)

// XML namespaces used across the documents.
const (
	nsMetadata  = "urn:oasis:names:tc:SAML:2.0:metadata"
	nsProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	nsAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	nsSOAP      = "http://schemas.xmlsoap.org/soap/envelope/"
	nsDsig      = "http://www.w3.org/2000/09/xmldsig#"
)

// Metadata returns the signed EntityDescriptor document served for
// out-of-band federation onboarding. acsURL is the artifact consumer
// endpoint of the current tenant.
func (p *Provider) Metadata(acsURL string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", nsMetadata)
	entity.CreateAttr("entityID", p.cfg.Issuer)
	entity.CreateAttr("ID", requestID())

	sp := entity.CreateElement("md:SPSSODescriptor")
	sp.CreateAttr("AuthnRequestsSigned", "true")
	sp.CreateAttr("WantAssertionsSigned", "true")
	sp.CreateAttr("protocolSupportEnumeration", nsProtocol)

	for _, use := range []string{"signing", "encryption"} {
		kd := sp.CreateElement("md:KeyDescriptor")
		kd.CreateAttr("use", use)
		keyInfo := kd.CreateElement("ds:KeyInfo")
		keyInfo.CreateAttr("xmlns:ds", nsDsig)
		cert := keyInfo.CreateElement("ds:X509Data").CreateElement("ds:X509Certificate")
		cert.SetText(p.keys.CertificateBase64())
	}

	acs := sp.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Artifact")
	acs.CreateAttr("Location", acsURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	signingCtx, err := p.signingContext()
	if err != nil {
		return nil, err
	}
	signed, err := signingCtx.SignEnveloped(entity)
	if err != nil {
		return nil, fmt.Errorf("saml: failed to sign metadata: %w", err)
	}

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(signed)
	return out.WriteToBytes()
}
