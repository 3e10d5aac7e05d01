package remittance

import (
	"fmt"
)

const (
	RequestIdentityNever            = RequestIdentityPhase(0)
	RequestIdentityBeforeInvoicing  = RequestIdentityPhase(1)
	RequestIdentityBeforeSettlement = RequestIdentityPhase(2)
)

// RequestIdentityPhase controls when a role initiates identity verification.
type RequestIdentityPhase uint8

func (v *RequestIdentityPhase) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("Too short for RequestIdentityPhase : %d", len(data))
	}

	return v.SetString(string(data[1 : len(data)-1]))
}

func (v RequestIdentityPhase) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%s\"", v)), nil
}

func (v RequestIdentityPhase) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *RequestIdentityPhase) UnmarshalText(text []byte) error {
	return v.SetString(string(text))
}

func (v *RequestIdentityPhase) SetString(s string) error {
	switch s {
	case "never":
		*v = RequestIdentityNever
	case "before_invoicing":
		*v = RequestIdentityBeforeInvoicing
	case "before_settlement":
		*v = RequestIdentityBeforeSettlement
	default:
		*v = RequestIdentityNever
		return fmt.Errorf("Unknown RequestIdentityPhase value \"%s\"", s)
	}

	return nil
}

func (v RequestIdentityPhase) String() string {
	switch v {
	case RequestIdentityBeforeInvoicing:
		return "before_invoicing"
	case RequestIdentityBeforeSettlement:
		return "before_settlement"
	default:
		return "never"
	}
}
