package remittance

import (
	"encoding/json"
)

// LineItem is one entry on an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    *uint64 `json:"quantity,omitempty"`
	Amount      *Amount `json:"amount,omitempty"`
}

// Invoice is the maker's request for payment. Options maps module ids to opaque module-defined
// payment terms; the engine never looks inside them.
type Invoice struct {
	Payee         string                     `json:"payee"`
	Payer         string                     `json:"payer"`
	LineItems     []*LineItem                `json:"line_items,omitempty"`
	Total         Amount                     `json:"total"`
	InvoiceNumber string                     `json:"invoice_number"`
	CreatedAt     UnixMillis                 `json:"created_at"`
	ExpiresAt     *UnixMillis                `json:"expires_at,omitempty"`
	Options       map[string]json.RawMessage `json:"options,omitempty"`
}

// IsExpired returns true when an expiry is set and now is past it.
func (i Invoice) IsExpired(now UnixMillis) bool {
	return i.ExpiresAt != nil && i.ExpiresAt.Before(now)
}
