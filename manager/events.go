package manager

import (
	"context"
	"fmt"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/thread"

	"github.com/tokenized/logger"
)

const (
	EventTypeInvalid              = EventType(0)
	EventTypeThreadCreated        = EventType(1)
	EventTypeStateChanged         = EventType(2)
	EventTypeEnvelopeSent         = EventType(3)
	EventTypeEnvelopeReceived     = EventType(4)
	EventTypeIdentityRequested    = EventType(5)
	EventTypeIdentityResponded    = EventType(6)
	EventTypeIdentityAcknowledged = EventType(7)
	EventTypeInvoiceSent          = EventType(8)
	EventTypeInvoiceReceived      = EventType(9)
	EventTypeSettlementSent       = EventType(10)
	EventTypeSettlementReceived   = EventType(11)
	EventTypeReceiptSent          = EventType(12)
	EventTypeReceiptReceived      = EventType(13)
	EventTypeTerminationSent      = EventType(14)
	EventTypeTerminationReceived  = EventType(15)
	EventTypeError                = EventType(16)
)

type EventType uint8

// Event is an immutable record of something significant happening on a thread. Fields beyond
// Type, ThreadID, and At are populated only where they apply.
type Event struct {
	Type      EventType
	ThreadID  string
	Direction thread.Direction // identity events
	From      thread.State     // state changes
	To        thread.State
	Envelope  *remittance.Envelope
	Err       string
	At        remittance.UnixMillis
}

// Listener receives events after the operation that produced them has released the engine lock,
// so a listener may call back into the engine.
type Listener func(event Event)

// RegisterListener subscribes to one event type.
func (m *RemittanceManager) RegisterListener(eventType EventType, listener Listener) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.listeners[eventType] = append(m.listeners[eventType], listener)
}

// RegisterSink subscribes to all events.
func (m *RemittanceManager) RegisterSink(listener Listener) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.sinks = append(m.sinks, listener)
}

// queueEvent buffers an event for delivery after the current operation unlocks. Must be called
// with the engine lock held.
func (m *RemittanceManager) queueEvent(event Event) {
	m.pendingEvents = append(m.pendingEvents, event)
}

// flushEvents delivers buffered events. Must be called without the engine lock held. Listener
// panics are logged and never fatal.
func (m *RemittanceManager) flushEvents(ctx context.Context) {
	m.lock.Lock()
	events := m.pendingEvents
	m.pendingEvents = nil
	listeners := make(map[EventType][]Listener, len(m.listeners))
	for eventType, typeListeners := range m.listeners {
		listeners[eventType] = typeListeners
	}
	sinks := m.sinks
	m.lock.Unlock()

	for _, event := range events {
		for _, listener := range listeners[event.Type] {
			deliverEvent(ctx, listener, event)
		}
		for _, listener := range sinks {
			deliverEvent(ctx, listener, event)
		}
	}
}

func deliverEvent(ctx context.Context, listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WarnWithFields(ctx, []logger.Field{
				logger.Stringer("event_type", event.Type),
				logger.String("thread_id", event.ThreadID),
			}, "Event listener panic : %v", r)
		}
	}()

	listener(event)
}

func (v *EventType) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("Too short for EventType : %d", len(data))
	}

	return v.SetString(string(data[1 : len(data)-1]))
}

func (v EventType) MarshalJSON() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return []byte("null"), nil
	}

	return []byte(fmt.Sprintf("\"%s\"", s)), nil
}

func (v EventType) MarshalText() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return nil, fmt.Errorf("Unknown EventType value \"%d\"", uint8(v))
	}

	return []byte(s), nil
}

func (v *EventType) UnmarshalText(text []byte) error {
	return v.SetString(string(text))
}

func (v *EventType) SetString(s string) error {
	switch s {
	case "thread_created":
		*v = EventTypeThreadCreated
	case "state_changed":
		*v = EventTypeStateChanged
	case "envelope_sent":
		*v = EventTypeEnvelopeSent
	case "envelope_received":
		*v = EventTypeEnvelopeReceived
	case "identity_requested":
		*v = EventTypeIdentityRequested
	case "identity_responded":
		*v = EventTypeIdentityResponded
	case "identity_acknowledged":
		*v = EventTypeIdentityAcknowledged
	case "invoice_sent":
		*v = EventTypeInvoiceSent
	case "invoice_received":
		*v = EventTypeInvoiceReceived
	case "settlement_sent":
		*v = EventTypeSettlementSent
	case "settlement_received":
		*v = EventTypeSettlementReceived
	case "receipt_sent":
		*v = EventTypeReceiptSent
	case "receipt_received":
		*v = EventTypeReceiptReceived
	case "termination_sent":
		*v = EventTypeTerminationSent
	case "termination_received":
		*v = EventTypeTerminationReceived
	case "error":
		*v = EventTypeError
	default:
		*v = EventTypeInvalid
		return fmt.Errorf("Unknown EventType value \"%s\"", s)
	}

	return nil
}

func (v EventType) String() string {
	switch v {
	case EventTypeThreadCreated:
		return "thread_created"
	case EventTypeStateChanged:
		return "state_changed"
	case EventTypeEnvelopeSent:
		return "envelope_sent"
	case EventTypeEnvelopeReceived:
		return "envelope_received"
	case EventTypeIdentityRequested:
		return "identity_requested"
	case EventTypeIdentityResponded:
		return "identity_responded"
	case EventTypeIdentityAcknowledged:
		return "identity_acknowledged"
	case EventTypeInvoiceSent:
		return "invoice_sent"
	case EventTypeInvoiceReceived:
		return "invoice_received"
	case EventTypeSettlementSent:
		return "settlement_sent"
	case EventTypeSettlementReceived:
		return "settlement_received"
	case EventTypeReceiptSent:
		return "receipt_sent"
	case EventTypeReceiptReceived:
		return "receipt_received"
	case EventTypeTerminationSent:
		return "termination_sent"
	case EventTypeTerminationReceived:
		return "termination_received"
	case EventTypeError:
		return "error"
	default:
		return ""
	}
}
