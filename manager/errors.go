package manager

import (
	"github.com/pkg/errors"
)

var (
	// Configuration errors.
	ErrNoIdentityLayer     = errors.New("No Identity Layer")
	ErrNoIdentityKey       = errors.New("No Identity Key")
	ErrUnknownModule       = errors.New("Unknown Module")
	ErrUnknownOption       = errors.New("Unknown Option")
	ErrNoPaymentOptions    = errors.New("No Payment Options")
	ErrUnsupportedVersion  = errors.New("Unsupported State Version")
	ErrStateMismatch       = errors.New("State Mismatch")
	ErrLiveNotSupported    = errors.New("Live Listening Not Supported")
	ErrMissingCollaborator = errors.New("Missing Collaborator")

	// Precondition errors.
	ErrUnknownThread  = errors.New("Unknown Thread")
	ErrWrongRole      = errors.New("Wrong Role")
	ErrAlreadyInvoice = errors.New("Thread Already Has Invoice")
	ErrAlreadySettled = errors.New("Thread Already Has Settlement")
	ErrNoInvoice      = errors.New("No Invoice")
	ErrThreadErrored  = errors.New("Thread In Error State")

	ErrUnsolicitedNotSupported = errors.New("Unsolicited Settlements Not Supported")

	ErrInvoiceExpired = errors.New("Invoice Expired")
	ErrTimeout        = errors.New("Timeout")
	ErrTerminalState  = errors.New("Terminal State")

	// Protocol errors. These are recorded on the thread and never propagated out of the
	// dispatcher.
	ErrUnsupportedKind          = errors.New("Unsupported Envelope Kind")
	ErrNilCollaboratorResult    = errors.New("Nil Collaborator Result")
	ErrInvoiceAlreadyPresent    = errors.New("Invoice Already Present")
	ErrSettlementAlreadyPresent = errors.New("Settlement Already Present")
	ErrReceiptAlreadyPresent    = errors.New("Receipt Already Present")
	ErrReceiptWithoutSettlement = errors.New("Receipt Without Settlement")
)
