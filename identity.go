package remittance

import (
	"context"
)

// IdentityVerificationRequest asks the counterparty for certificates. CertificateTypes maps a
// certificate type to the field names that must be revealed. Certifiers lists the public keys of
// acceptable certificate issuers.
type IdentityVerificationRequest struct {
	CertificateTypes map[string][]string `json:"certificate_types"`
	Certifiers       []string            `json:"certifiers,omitempty"`
}

// Certificate is one identity certificate revealed to the counterparty. Field values are
// encrypted per field; KeyringForVerifier carries the per-field decryption keys granted to this
// verifier.
type Certificate struct {
	Type               string            `json:"type"`
	Certifier          string            `json:"certifier"`
	Subject            string            `json:"subject"`
	Fields             map[string]string `json:"fields,omitempty"`
	Signature          string            `json:"signature,omitempty"`
	SerialNumber       string            `json:"serial_number,omitempty"`
	RevocationOutpoint string            `json:"revocation_outpoint,omitempty"`
	KeyringForVerifier map[string]string `json:"keyring_for_verifier,omitempty"`
}

type IdentityVerificationResponse struct {
	Certificates []*Certificate `json:"certificates"`
}

// IdentityVerificationAcknowledgment carries nothing beyond the envelope's thread id.
type IdentityVerificationAcknowledgment struct{}

// CertificateRequestContext is handed to the identity layer when the engine needs to initiate an
// identity exchange.
type CertificateRequestContext struct {
	Counterparty string
	ThreadID     string
}

// RespondToRequestContext is handed to the identity layer when a counterparty has asked for our
// certificates.
type RespondToRequestContext struct {
	Counterparty string
	ThreadID     string
	Request      *IdentityVerificationRequest
}

// RespondToRequestResult is either a response or a termination, never both.
type RespondToRequestResult struct {
	Response  *IdentityVerificationResponse
	Terminate *Termination
}

// CertificateAssessment is the identity layer's judgement of received certificates. Terminate nil
// means acknowledge.
type CertificateAssessment struct {
	Terminate *Termination
}

// IdentityLayer decides which certificates to request and whether received certificates are
// sufficient. The engine never inspects certificate contents itself.
type IdentityLayer interface {
	DetermineCertificatesToRequest(ctx context.Context,
		request CertificateRequestContext) (*IdentityVerificationRequest, error)

	RespondToRequest(ctx context.Context,
		request RespondToRequestContext) (*RespondToRequestResult, error)

	AssessReceivedCertificateSufficiency(ctx context.Context, counterparty string,
		response *IdentityVerificationResponse, threadID string) (*CertificateAssessment, error)
}
