package action

import (
	"errors"
	"strings"
)

var (
	// CertificateTrustRequested asks a human whether to trust a certificate
	// that failed verification. Answered by CertificateTrustResponse or
	// CertificateTrustDismissed.
	CertificateTrustRequested = register(DomainCertificates, "certificates/trust-requested", payloadOf[CertificateTrustPrompt]())
	CertificateTrustResponse  = register(DomainCertificates, "certificates/trust-response", payloadOf[CertificateTrustAnswer]())
	CertificateTrustDismissed = register(DomainCertificates, "certificates/trust-dismissed", nil)

	CertificateTrusted    = register(DomainCertificates, "certificates/trusted", payloadOf[CertificateDecision]())
	CertificateNotTrusted = register(DomainCertificates, "certificates/not-trusted", payloadOf[CertificateDecision]())
	CertificatesCleared   = register(DomainCertificates, "certificates/cleared", nil)

	ClientCertificateRequested = register(DomainClientCertificates, "client-certificates/requested", payloadOf[ClientCertificatePrompt]())
	ClientCertificateSelected  = register(DomainClientCertificates, "client-certificates/selected", payloadOf[ClientCertificateAnswer]())
	ClientCertificateDismissed = register(DomainClientCertificates, "client-certificates/dismissed", nil)
)

// CertificateInfo describes a certificate as shown to a human.
// Serialized is the PEM form and is the identity used for trust decisions.
type CertificateInfo struct {
	Fingerprint string `json:"fingerprint"`
	Subject     string `json:"subject,omitempty"`
	Issuer      string `json:"issuer,omitempty"`
	Serialized  string `json:"serialized"`
}

func (c CertificateInfo) validate() error {
	if strings.TrimSpace(c.Fingerprint) == "" {
		return errors.New("missing fingerprint")
	}
	if strings.TrimSpace(c.Serialized) == "" {
		return errors.New("missing serialized certificate")
	}
	return nil
}

type CertificateTrustPrompt struct {
	Origin      string          `json:"origin"`
	Certificate CertificateInfo `json:"certificate"`
	ErrorCode   string          `json:"error_code,omitempty"`
}

func (p *CertificateTrustPrompt) Validate() error {
	if strings.TrimSpace(p.Origin) == "" {
		return errors.New("missing origin")
	}
	return p.Certificate.validate()
}

type CertificateTrustAnswer struct {
	Trusted bool `json:"trusted"`
}

func (p *CertificateTrustAnswer) Validate() error { return nil }

type CertificateDecision struct {
	Origin     string `json:"origin"`
	Serialized string `json:"serialized"`
}

func (p *CertificateDecision) Validate() error {
	if strings.TrimSpace(p.Origin) == "" {
		return errors.New("missing origin")
	}
	if strings.TrimSpace(p.Serialized) == "" {
		return errors.New("missing serialized certificate")
	}
	return nil
}

type ClientCertificatePrompt struct {
	Certificates []CertificateInfo `json:"certificates"`
}

func (p *ClientCertificatePrompt) Validate() error {
	if len(p.Certificates) == 0 {
		return errors.New("no certificates to choose from")
	}
	for _, c := range p.Certificates {
		if strings.TrimSpace(c.Fingerprint) == "" {
			return errors.New("missing fingerprint")
		}
	}
	return nil
}

type ClientCertificateAnswer struct {
	Fingerprint string `json:"fingerprint"`
}

func (p *ClientCertificateAnswer) Validate() error {
	if strings.TrimSpace(p.Fingerprint) == "" {
		return errors.New("missing fingerprint")
	}
	return nil
}
