package remittance

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// ProtocolVersion is the envelope version. Any other value fails parsing.
	ProtocolVersion = uint8(1)

	EnvelopeKindInvalid                            = EnvelopeKind(0)
	EnvelopeKindIdentityVerificationRequest        = EnvelopeKind(1)
	EnvelopeKindIdentityVerificationResponse       = EnvelopeKind(2)
	EnvelopeKindIdentityVerificationAcknowledgment = EnvelopeKind(3)
	EnvelopeKindInvoice                            = EnvelopeKind(4)
	EnvelopeKindSettlement                         = EnvelopeKind(5)
	EnvelopeKindReceipt                            = EnvelopeKind(6)
	EnvelopeKindTermination                        = EnvelopeKind(7)
)

var (
	ErrInvalidEnvelope    = errors.New("Invalid Envelope")
	ErrUnsupportedVersion = errors.New("Unsupported Version")
	ErrUnsupportedKind    = errors.New("Unsupported Envelope Kind")
	ErrWrongPayloadKind   = errors.New("Wrong Payload Kind")
)

type EnvelopeKind uint8

// Envelope is the wire unit of the protocol. One envelope carries one step of one thread. The
// payload is kind-typed and stays raw until the dispatcher asks for it, so envelopes with
// payloads we don't understand survive parsing and can still be routed to their thread.
type Envelope struct {
	V         uint8           `json:"v"`
	ID        string          `json:"id"`
	Kind      EnvelopeKind    `json:"kind"`
	ThreadID  string          `json:"thread_id"`
	CreatedAt UnixMillis      `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope with the payload marshalled in place.
func NewEnvelope(kind EnvelopeKind, id, threadID string, createdAt UnixMillis,
	payload interface{}) (*Envelope, error) {

	result := &Envelope{
		V:         ProtocolVersion,
		ID:        id,
		Kind:      kind,
		ThreadID:  threadID,
		CreatedAt: createdAt,
	}

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
		result.Payload = b
	}

	return result, nil
}

// ParseEnvelope decodes a message body into an envelope. It fails on undecodable bodies, version
// mismatches, and missing kind, id, or thread id. An unrecognized kind string parses into
// EnvelopeKindInvalid and is rejected later by the dispatcher.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var raw struct {
		V         *uint8          `json:"v"`
		ID        string          `json:"id"`
		Kind      string          `json:"kind"`
		ThreadID  string          `json:"thread_id"`
		CreatedAt UnixMillis      `json:"created_at"`
		Payload   json.RawMessage `json:"payload"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(ErrInvalidEnvelope, err.Error())
	}

	if raw.V == nil {
		return nil, errors.Wrap(ErrInvalidEnvelope, "missing version")
	}
	if *raw.V != ProtocolVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "%d", *raw.V)
	}
	if len(raw.Kind) == 0 {
		return nil, errors.Wrap(ErrInvalidEnvelope, "missing kind")
	}
	if len(raw.ID) == 0 {
		return nil, errors.Wrap(ErrInvalidEnvelope, "missing id")
	}
	if len(raw.ThreadID) == 0 {
		return nil, errors.Wrap(ErrInvalidEnvelope, "missing thread id")
	}

	result := &Envelope{
		V:         *raw.V,
		ID:        raw.ID,
		ThreadID:  raw.ThreadID,
		CreatedAt: raw.CreatedAt,
		Payload:   raw.Payload,
	}

	// Unknown kinds leave EnvelopeKindInvalid for the dispatcher to reject.
	result.Kind.SetString(raw.Kind)

	return result, nil
}

func (e Envelope) Serialize() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}

	return b, nil
}

func (e Envelope) IdentityRequest() (*IdentityVerificationRequest, error) {
	if e.Kind != EnvelopeKindIdentityVerificationRequest {
		return nil, errors.Wrap(ErrWrongPayloadKind, e.Kind.String())
	}

	result := &IdentityVerificationRequest{}
	if err := json.Unmarshal(e.Payload, result); err != nil {
		return nil, errors.Wrap(err, "unmarshal identity request")
	}

	return result, nil
}

func (e Envelope) IdentityResponse() (*IdentityVerificationResponse, error) {
	if e.Kind != EnvelopeKindIdentityVerificationResponse {
		return nil, errors.Wrap(ErrWrongPayloadKind, e.Kind.String())
	}

	result := &IdentityVerificationResponse{}
	if err := json.Unmarshal(e.Payload, result); err != nil {
		return nil, errors.Wrap(err, "unmarshal identity response")
	}

	return result, nil
}

func (e Envelope) Invoice() (*Invoice, error) {
	if e.Kind != EnvelopeKindInvoice {
		return nil, errors.Wrap(ErrWrongPayloadKind, e.Kind.String())
	}

	result := &Invoice{}
	if err := json.Unmarshal(e.Payload, result); err != nil {
		return nil, errors.Wrap(err, "unmarshal invoice")
	}

	return result, nil
}

func (e Envelope) Settlement() (*Settlement, error) {
	if e.Kind != EnvelopeKindSettlement {
		return nil, errors.Wrap(ErrWrongPayloadKind, e.Kind.String())
	}

	result := &Settlement{}
	if err := json.Unmarshal(e.Payload, result); err != nil {
		return nil, errors.Wrap(err, "unmarshal settlement")
	}

	return result, nil
}

func (e Envelope) Receipt() (*Receipt, error) {
	if e.Kind != EnvelopeKindReceipt {
		return nil, errors.Wrap(ErrWrongPayloadKind, e.Kind.String())
	}

	result := &Receipt{}
	if err := json.Unmarshal(e.Payload, result); err != nil {
		return nil, errors.Wrap(err, "unmarshal receipt")
	}

	return result, nil
}

func (e Envelope) Termination() (*Termination, error) {
	if e.Kind != EnvelopeKindTermination {
		return nil, errors.Wrap(ErrWrongPayloadKind, e.Kind.String())
	}

	result := &Termination{}
	if err := json.Unmarshal(e.Payload, result); err != nil {
		return nil, errors.Wrap(err, "unmarshal termination")
	}

	return result, nil
}

func (v *EnvelopeKind) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("Too short for EnvelopeKind : %d", len(data))
	}

	return v.SetString(string(data[1 : len(data)-1]))
}

func (v EnvelopeKind) MarshalJSON() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return []byte("null"), nil
	}

	return []byte(fmt.Sprintf("\"%s\"", s)), nil
}

func (v EnvelopeKind) MarshalText() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return nil, fmt.Errorf("Unknown EnvelopeKind value \"%d\"", uint8(v))
	}

	return []byte(s), nil
}

func (v *EnvelopeKind) UnmarshalText(text []byte) error {
	return v.SetString(string(text))
}

func (v *EnvelopeKind) SetString(s string) error {
	switch s {
	case "identity_verification_request":
		*v = EnvelopeKindIdentityVerificationRequest
	case "identity_verification_response":
		*v = EnvelopeKindIdentityVerificationResponse
	case "identity_verification_acknowledgment":
		*v = EnvelopeKindIdentityVerificationAcknowledgment
	case "invoice":
		*v = EnvelopeKindInvoice
	case "settlement":
		*v = EnvelopeKindSettlement
	case "receipt":
		*v = EnvelopeKindReceipt
	case "termination":
		*v = EnvelopeKindTermination
	default:
		*v = EnvelopeKindInvalid
		return fmt.Errorf("Unknown EnvelopeKind value \"%s\"", s)
	}

	return nil
}

func (v EnvelopeKind) String() string {
	switch v {
	case EnvelopeKindIdentityVerificationRequest:
		return "identity_verification_request"
	case EnvelopeKindIdentityVerificationResponse:
		return "identity_verification_response"
	case EnvelopeKindIdentityVerificationAcknowledgment:
		return "identity_verification_acknowledgment"
	case EnvelopeKindInvoice:
		return "invoice"
	case EnvelopeKindSettlement:
		return "settlement"
	case EnvelopeKindReceipt:
		return "receipt"
	case EnvelopeKindTermination:
		return "termination"
	default:
		return ""
	}
}
