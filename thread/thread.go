package thread

import (
	"encoding/json"

	"github.com/tokenized/remittance"

	"github.com/pkg/errors"
)

// StateChange is one entry in the thread's transition history.
type StateChange struct {
	At     remittance.UnixMillis `json:"at"`
	From   State                 `json:"from"`
	To     State                 `json:"to"`
	Reason string                `json:"reason,omitempty"`
}

// ProtocolEntry records one envelope crossing the wire on this thread.
type ProtocolEntry struct {
	Direction          Direction            `json:"direction"`
	Envelope           *remittance.Envelope `json:"envelope"`
	TransportMessageID string               `json:"transport_message_id,omitempty"`
}

// IdentityState tracks the identity exchange on a thread.
type IdentityState struct {
	SentCertificates       []*remittance.Certificate `json:"sent_certificates,omitempty"`
	ReceivedCertificates   []*remittance.Certificate `json:"received_certificates,omitempty"`
	RequestSent            bool                      `json:"request_sent,omitempty"`
	ResponseSent           bool                      `json:"response_sent,omitempty"`
	AcknowledgmentSent     bool                      `json:"acknowledgment_sent,omitempty"`
	AcknowledgmentReceived bool                      `json:"acknowledgment_received,omitempty"`
}

type Flags struct {
	HasIdentified bool `json:"has_identified,omitempty"`
	HasInvoiced   bool `json:"has_invoiced,omitempty"`
	HasPaid       bool `json:"has_paid,omitempty"`
	HasReceipted  bool `json:"has_receipted,omitempty"`
	Error         bool `json:"error,omitempty"`
}

// ThreadError is the last error recorded on a thread, either a received termination or a local
// failure.
type ThreadError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Thread is the engine's record of one commercial exchange with one counterparty.
type Thread struct {
	ThreadID     string `json:"thread_id"`
	Counterparty string `json:"counterparty"`
	MyRole       Role   `json:"my_role"`
	TheirRole    Role   `json:"their_role"`

	State    State          `json:"state"`
	StateLog []*StateChange `json:"state_log,omitempty"`

	CreatedAt remittance.UnixMillis `json:"created_at"`
	UpdatedAt remittance.UnixMillis `json:"updated_at"`

	// ProcessedMessageIDs is the idempotency set. A transport message id in this list has
	// already been applied and must never be applied again.
	ProcessedMessageIDs []string `json:"processed_message_ids,omitempty"`

	ProtocolLog []*ProtocolEntry `json:"protocol_log,omitempty"`

	Identity IdentityState `json:"identity"`

	Invoice     *remittance.Invoice     `json:"invoice,omitempty"`
	Settlement  *remittance.Settlement  `json:"settlement,omitempty"`
	Receipt     *remittance.Receipt     `json:"receipt,omitempty"`
	Termination *remittance.Termination `json:"termination,omitempty"`

	Flags     Flags        `json:"flags"`
	LastError *ThreadError `json:"last_error,omitempty"`
}

func New(threadID, counterparty string, myRole Role, now remittance.UnixMillis) *Thread {
	return &Thread{
		ThreadID:     threadID,
		Counterparty: counterparty,
		MyRole:       myRole,
		TheirRole:    myRole.Opposite(),
		State:        StateNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (t *Thread) HasProcessed(messageID string) bool {
	for _, id := range t.ProcessedMessageIDs {
		if id == messageID {
			return true
		}
	}

	return false
}

func (t *Thread) MarkProcessed(messageID string) {
	if t.HasProcessed(messageID) {
		return
	}

	t.ProcessedMessageIDs = append(t.ProcessedMessageIDs, messageID)
}

// HasRecordedEnvelope reports whether a transport message id already appears in the protocol
// log. Messages that fail to apply are redelivered and must not be logged again.
func (t *Thread) HasRecordedEnvelope(transportMessageID string) bool {
	for _, entry := range t.ProtocolLog {
		if entry.TransportMessageID == transportMessageID {
			return true
		}
	}

	return false
}

func (t *Thread) RecordEnvelope(direction Direction, envelope *remittance.Envelope,
	transportMessageID string) {

	t.ProtocolLog = append(t.ProtocolLog, &ProtocolEntry{
		Direction:          direction,
		Envelope:           envelope,
		TransportMessageID: transportMessageID,
	})
}

// Transition moves the thread to a new state, appending to the state log. It fails when the
// transition is not in the table.
func (t *Thread) Transition(to State, reason string, at remittance.UnixMillis) error {
	if !t.State.CanTransitionTo(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", t.State, to)
	}

	t.StateLog = append(t.StateLog, &StateChange{
		At:     at,
		From:   t.State,
		To:     to,
		Reason: reason,
	})
	t.State = to
	t.UpdatedAt = at
	return nil
}

// DeriveState computes the state implied by the thread's fields, using the monotone ordering of
// the exchange. Persistence validates the stored state against this.
func (t *Thread) DeriveState() State {
	if t.Flags.Error && t.Termination == nil {
		return StateErrored
	}
	if t.Termination != nil {
		return StateTerminated
	}
	if t.Receipt != nil {
		return StateReceipted
	}
	if t.Settlement != nil {
		return StateSettled
	}
	if t.Invoice != nil {
		return StateInvoiced
	}
	if t.Identity.AcknowledgmentSent || t.Identity.AcknowledgmentReceived {
		return StateIdentityAcknowledged
	}
	if t.Identity.ResponseSent || len(t.Identity.ReceivedCertificates) > 0 {
		return StateIdentityResponded
	}
	if t.Identity.RequestSent {
		return StateIdentityRequested
	}

	return StateNew
}

// Copy returns an isolated deep copy via a JSON round trip, the same format used on the wire and
// in persistence.
func (t *Thread) Copy() (*Thread, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}

	result := &Thread{}
	if err := json.Unmarshal(b, result); err != nil {
		return nil, errors.Wrap(err, "unmarshal")
	}

	return result, nil
}
