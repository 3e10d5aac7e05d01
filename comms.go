package remittance

import (
	"context"
	"fmt"
)

// PeerMessage is one inbound transport message. MessageID is the transport's delivery id and is
// the engine's dedupe key, so it must be stable across redeliveries of the same message.
type PeerMessage struct {
	MessageID  string
	Sender     string
	Recipient  string
	MessageBox string
	Body       []byte
}

type SendMessage struct {
	Recipient  string
	MessageBox string
	Body       []byte
}

type ListMessages struct {
	MessageBox string
	Host       string
}

type AcknowledgeMessages struct {
	MessageBox string
	MessageIDs []string
	Host       string
}

// Listen configures a live subscription. OnMessage is called for each pushed message; it must not
// be called concurrently for the same subscription.
type Listen struct {
	MessageBox   string
	OverrideHost string
	OnMessage    func(ctx context.Context, msg *PeerMessage)
}

// CommsLayer is the store-and-forward transport. Implementations persist sent messages until the
// recipient acknowledges them.
type CommsLayer interface {
	// SendMessage delivers a body to the recipient's message box and returns the transport
	// message id.
	SendMessage(ctx context.Context, msg SendMessage, hostOverride string) (string, error)

	// ListMessages returns pending (unacknowledged) messages for a message box.
	ListMessages(ctx context.Context, list ListMessages) ([]*PeerMessage, error)

	// AcknowledgeMessages marks messages as processed so they are not redelivered.
	AcknowledgeMessages(ctx context.Context, ack AcknowledgeMessages) error
}

// LiveSender is implemented by transports that can push directly to a connected recipient. The
// engine tries it first and falls back to SendMessage.
type LiveSender interface {
	SendLiveMessage(ctx context.Context, msg SendMessage, hostOverride string) (string, error)
}

// LiveListener is implemented by transports that can stream inbound messages. Implementations
// block until the interrupt channel is closed.
type LiveListener interface {
	ListenForLiveMessages(ctx context.Context, listen Listen,
		interrupt <-chan interface{}) error
}

// TransportError carries enough context from a failed transport call to be actionable.
type TransportError struct {
	Endpoint string
	Status   int
	Body     string
}

func NewTransportError(endpoint string, status int, body string) *TransportError {
	if len(body) > 256 {
		body = body[:256]
	}

	return &TransportError{
		Endpoint: endpoint,
		Status:   status,
		Body:     body,
	}
}

func (e TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transport: %s : %s", e.Endpoint, e.Body)
	}

	return fmt.Sprintf("transport: %s : status %d : %s", e.Endpoint, e.Status, e.Body)
}
