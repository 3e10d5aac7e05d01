package remittance

import (
	"context"
	"encoding/json"
)

// Module implements the mechanics of one settlement system. Option terms, settlement artifacts,
// and receipt data are module-defined blobs the engine carries without inspection.
type Module interface {
	ID() string
	Name() string

	// AllowUnsolicitedSettlements reports whether this module accepts settlements on threads
	// that have no invoice.
	AllowUnsolicitedSettlements() bool

	// BuildSettlement produces the payer-side settlement artifact, or a termination when the
	// module refuses to settle.
	BuildSettlement(ctx context.Context,
		request *BuildSettlementRequest) (*BuildSettlementResult, error)

	// AcceptSettlement judges an inbound settlement on the payee side. A nil Terminate in the
	// result means the settlement is accepted.
	AcceptSettlement(ctx context.Context,
		request *AcceptSettlementRequest) (*AcceptSettlementResult, error)
}

// OptionCreator is implemented by modules that contribute payment terms to outgoing invoices.
type OptionCreator interface {
	CreateOption(ctx context.Context, request *CreateOptionRequest) (json.RawMessage, error)
}

// ReceiptProcessor is implemented by modules that want the payer-side hook when a receipt
// arrives.
type ReceiptProcessor interface {
	ProcessReceipt(ctx context.Context, request *ProcessReceiptRequest) error
}

// TerminationProcessor is implemented by modules that want a hook when a thread carrying one of
// their settlements is terminated.
type TerminationProcessor interface {
	ProcessTermination(ctx context.Context, request *ProcessTerminationRequest) error
}

type CreateOptionRequest struct {
	ThreadID string
	Invoice  *Invoice
}

type BuildSettlementRequest struct {
	ThreadID string
	Invoice  *Invoice // nil for unsolicited settlements
	Option   json.RawMessage
	Note     *string
}

type BuildSettlementResult struct {
	Artifact  json.RawMessage
	Terminate *Termination
}

type AcceptSettlementRequest struct {
	ThreadID   string
	Invoice    *Invoice // nil for unsolicited settlements
	Settlement *Settlement
	Sender     string
}

type AcceptSettlementResult struct {
	ReceiptData json.RawMessage
	Terminate   *Termination
}

type ProcessReceiptRequest struct {
	ThreadID    string
	Invoice     *Invoice
	ReceiptData json.RawMessage
	Sender      string
}

type ProcessTerminationRequest struct {
	ThreadID    string
	Invoice     *Invoice
	Settlement  *Settlement
	Termination *Termination
	Sender      string
}
