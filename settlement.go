package remittance

import (
	"encoding/json"
)

// Settlement is the payer's proof of payment. The artifact is produced and consumed by the
// settlement module named by ModuleID and is opaque to the engine.
type Settlement struct {
	ThreadID  string          `json:"thread_id"`
	ModuleID  string          `json:"module_id"`
	OptionID  string          `json:"option_id"`
	Sender    string          `json:"sender"`
	CreatedAt UnixMillis      `json:"created_at"`
	Artifact  json.RawMessage `json:"artifact,omitempty"`
	Note      *string         `json:"note,omitempty"`
}

// Receipt is the payee's confirmation that a settlement was accepted.
type Receipt struct {
	ThreadID    string          `json:"thread_id"`
	ModuleID    string          `json:"module_id"`
	OptionID    string          `json:"option_id"`
	Payee       string          `json:"payee"`
	Payer       string          `json:"payer"`
	CreatedAt   UnixMillis      `json:"created_at"`
	ReceiptData json.RawMessage `json:"receipt_data,omitempty"`
}
