package manager

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/thread"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
)

// InvoiceInput is the caller-provided part of an invoice. Everything else is composed by the
// engine.
type InvoiceInput struct {
	Total         remittance.Amount
	LineItems     []*remittance.LineItem
	InvoiceNumber string
}

// UnsolicitedSettlementInput describes a settlement sent without a preceding invoice.
type UnsolicitedSettlementInput struct {
	ModuleID string
	Option   json.RawMessage
	OptionID string
	Note     *string
}

// PayOutcome is the result of a completed Pay call. Exactly one of Receipt and Termination is
// set, unless the engine was configured to not wait for receipts, in which case Pay returns a
// nil outcome.
type PayOutcome struct {
	Receipt     *remittance.Receipt
	Termination *remittance.Termination
}

// sendEnvelopeLocked serializes and delivers an envelope to the thread's counterparty, trying a
// live push first when the transport supports one. Must be called with the engine lock held and
// with the thread's flags already reflecting the envelope.
func (m *RemittanceManager) sendEnvelopeLocked(ctx context.Context, t *thread.Thread,
	env *remittance.Envelope) (string, error) {

	body, err := env.Serialize()
	if err != nil {
		return "", errors.Wrap(err, "serialize")
	}

	recipient := t.Counterparty
	if len(recipient) == 0 && t.Invoice != nil {
		recipient = t.Invoice.Payee
	}

	send := remittance.SendMessage{
		Recipient:  recipient,
		MessageBox: m.options.MessageBox,
		Body:       body,
	}

	var messageID string
	sent := false
	if live, ok := m.config.Comms.(remittance.LiveSender); ok {
		messageID, err = live.SendLiveMessage(ctx, send, "")
		if err == nil {
			sent = true
		} else {
			logger.WarnWithFields(ctx, []logger.Field{
				logger.String("thread_id", t.ThreadID),
				logger.Stringer("kind", env.Kind),
			}, "Live send failed, falling back to message box : %s", err)
		}
	}

	if !sent {
		messageID, err = m.config.Comms.SendMessage(ctx, send, "")
		if err != nil {
			return "", errors.Wrap(err, "send message")
		}
	}

	t.RecordEnvelope(thread.DirectionOut, env, messageID)
	m.queueEvent(Event{
		Type:     EventTypeEnvelopeSent,
		ThreadID: t.ThreadID,
		Envelope: env,
		At:       m.now(),
	})

	return messageID, nil
}

// sendTerminationLocked closes a thread with an outbound termination. Handled rejections go
// through here, so callers in the dispatcher return its nil result and the inbound message gets
// acknowledged. Must be called with the engine lock held.
func (m *RemittanceManager) sendTerminationLocked(ctx context.Context, t *thread.Thread,
	termination *remittance.Termination) error {

	if t.Termination == nil {
		t.Termination = termination
	}
	t.LastError = &thread.ThreadError{
		Code:    termination.Code,
		Message: "Sent termination: " + termination.Message,
	}
	t.Flags.Error = true

	if !t.State.IsTerminal() {
		if err := m.transition(t, thread.StateTerminated,
			"sent termination: "+termination.Message); err != nil {
			return err
		}
	}

	env, err := remittance.NewEnvelope(remittance.EnvelopeKindTermination, m.newEnvelopeID(),
		t.ThreadID, m.now(), termination)
	if err != nil {
		return err
	}
	if _, err := m.sendEnvelopeLocked(ctx, t, env); err != nil {
		return err
	}

	m.queueEvent(Event{
		Type:     EventTypeTerminationSent,
		ThreadID: t.ThreadID,
		Envelope: env,
		At:       m.now(),
	})
	return nil
}

// SendInvoice creates a maker thread with the counterparty, runs identity verification when the
// options call for it, and sends the composed invoice.
func (m *RemittanceManager) SendInvoice(ctx context.Context, counterparty string,
	input InvoiceInput) (*InvoiceHandle, error) {

	me, err := m.cachedIdentityKey(ctx)
	if err != nil {
		return nil, err
	}

	should, err := m.shouldRequestIdentity(thread.RoleMaker,
		remittance.RequestIdentityBeforeInvoicing)
	if err != nil {
		return nil, err
	}

	m.lock.Lock()
	t := m.createThread(m.newThreadID(), counterparty, thread.RoleMaker)
	threadID := t.ThreadID
	if err := m.persist(ctx); err != nil {
		m.lock.Unlock()
		return nil, err
	}
	m.lock.Unlock()
	m.flushEvents(ctx)

	if should {
		if err := m.ensureIdentityExchange(ctx, threadID); err != nil {
			return nil, err
		}
	}

	if err := m.composeAndSendInvoice(ctx, threadID, me, input); err != nil {
		return nil, err
	}

	return &InvoiceHandle{ThreadHandle{manager: m, threadID: threadID}}, nil
}

// SendInvoiceForThread sends an invoice on an existing maker thread, waiting for an outstanding
// identity exchange to finish first.
func (m *RemittanceManager) SendInvoiceForThread(ctx context.Context, threadID string,
	input InvoiceInput) (*InvoiceHandle, error) {

	me, err := m.cachedIdentityKey(ctx)
	if err != nil {
		return nil, err
	}

	m.lock.Lock()
	t, exists := m.threads[threadID]
	if !exists {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrUnknownThread, threadID)
	}
	if t.MyRole != thread.RoleMaker {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrWrongRole, t.MyRole.String())
	}
	if t.Invoice != nil {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrAlreadyInvoice, threadID)
	}
	if t.State == thread.StateErrored {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrThreadErrored, threadID)
	}
	awaitingAck := t.Identity.ResponseSent && !t.Flags.HasIdentified
	m.lock.Unlock()

	if awaitingAck {
		if _, err := m.waitForState(ctx, threadID,
			[]thread.State{thread.StateIdentityAcknowledged}, m.options.IdentityTimeout,
			m.options.IdentityPollInterval, true); err != nil {
			return nil, err
		}
	}

	if err := m.composeAndSendInvoice(ctx, threadID, me, input); err != nil {
		return nil, err
	}

	return &InvoiceHandle{ThreadHandle{manager: m, threadID: threadID}}, nil
}

// composeAndSendInvoice fills in the invoice record, collects payment options from the
// registered modules, and sends the invoice envelope.
func (m *RemittanceManager) composeAndSendInvoice(ctx context.Context, threadID, me string,
	input InvoiceInput) error {

	m.lock.Lock()

	t, exists := m.threads[threadID]
	if !exists {
		m.lock.Unlock()
		return errors.Wrap(ErrUnknownThread, threadID)
	}
	if t.Invoice != nil {
		m.lock.Unlock()
		return errors.Wrap(ErrAlreadyInvoice, threadID)
	}

	now := m.now()
	invoice := &remittance.Invoice{
		Payee:         me,
		Payer:         t.Counterparty,
		LineItems:     input.LineItems,
		Total:         input.Total,
		InvoiceNumber: input.InvoiceNumber,
		CreatedAt:     now,
		Options:       make(map[string]json.RawMessage),
	}
	if len(invoice.InvoiceNumber) == 0 {
		invoice.InvoiceNumber = threadID
	}
	if m.options.InvoiceExpirySeconds >= 0 {
		expiresAt := now.Add(time.Duration(m.options.InvoiceExpirySeconds) * time.Second)
		invoice.ExpiresAt = &expiresAt
	}

	for _, module := range m.config.Modules {
		creator, ok := module.(remittance.OptionCreator)
		if !ok {
			continue
		}

		terms, err := creator.CreateOption(ctx, &remittance.CreateOptionRequest{
			ThreadID: threadID,
			Invoice:  invoice,
		})
		if err != nil {
			m.lock.Unlock()
			return errors.Wrapf(err, "create option %s", module.ID())
		}
		if terms != nil {
			invoice.Options[module.ID()] = terms
		}
	}

	t.Invoice = invoice
	t.Flags.HasInvoiced = true
	if err := m.transition(t, thread.StateInvoiced, "invoice sent"); err != nil {
		m.lock.Unlock()
		return err
	}

	env, err := remittance.NewEnvelope(remittance.EnvelopeKindInvoice, m.newEnvelopeID(),
		threadID, now, invoice)
	if err != nil {
		m.lock.Unlock()
		return err
	}
	if _, err := m.sendEnvelopeLocked(ctx, t, env); err != nil {
		m.lock.Unlock()
		return err
	}

	m.queueEvent(Event{
		Type:     EventTypeInvoiceSent,
		ThreadID: threadID,
		Envelope: env,
		At:       m.now(),
	})

	if err := m.persist(ctx); err != nil {
		m.lock.Unlock()
		return err
	}
	m.lock.Unlock()
	m.flushEvents(ctx)

	logger.InfoWithFields(ctx, []logger.Field{
		logger.String("thread_id", threadID),
		logger.String("invoice_number", invoice.InvoiceNumber),
		logger.Stringer("total", invoice.Total),
	}, "Sent invoice")

	return nil
}

// Pay settles the invoice on a taker thread. When the engine expects receipts it blocks until a
// receipt or termination arrives, polling the transport while it waits.
func (m *RemittanceManager) Pay(ctx context.Context, threadID,
	optionID string) (*PayOutcome, error) {

	me, err := m.cachedIdentityKey(ctx)
	if err != nil {
		return nil, err
	}

	m.lock.Lock()
	t, exists := m.threads[threadID]
	if !exists {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrUnknownThread, threadID)
	}
	if t.MyRole != thread.RoleTaker {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrWrongRole, t.MyRole.String())
	}
	if t.Invoice == nil {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrNoInvoice, threadID)
	}
	if t.Settlement != nil {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrAlreadySettled, threadID)
	}
	if t.State == thread.StateErrored {
		m.lock.Unlock()
		return nil, errors.Wrap(ErrThreadErrored, threadID)
	}

	snapshot, err := t.Copy()
	if err != nil {
		m.lock.Unlock()
		return nil, err
	}
	m.lock.Unlock()

	should, err := m.shouldRequestIdentity(thread.RoleTaker,
		remittance.RequestIdentityBeforeSettlement)
	if err != nil {
		return nil, err
	}
	if should && !snapshot.Flags.HasIdentified {
		if err := m.ensureIdentityExchange(ctx, threadID); err != nil {
			return nil, err
		}
	} else if snapshot.Identity.ResponseSent && !snapshot.Flags.HasIdentified {
		if _, err := m.waitForState(ctx, threadID,
			[]thread.State{thread.StateIdentityAcknowledged}, m.options.IdentityTimeout,
			m.options.IdentityPollInterval, true); err != nil {
			return nil, err
		}
	}

	if snapshot.Invoice.IsExpired(m.now()) {
		return nil, errors.Wrap(ErrInvoiceExpired, snapshot.Invoice.InvoiceNumber)
	}

	chosenID, err := m.choosePaymentOption(snapshot.Invoice, optionID)
	if err != nil {
		return nil, err
	}
	module, exists := m.modules[chosenID]
	if !exists {
		return nil, errors.Wrap(ErrUnknownOption, chosenID)
	}

	result, err := module.BuildSettlement(ctx, &remittance.BuildSettlementRequest{
		ThreadID: threadID,
		Invoice:  snapshot.Invoice,
		Option:   snapshot.Invoice.Options[chosenID],
	})
	if err != nil {
		return nil, errors.Wrap(err, "build settlement")
	}
	if result == nil {
		return nil, errors.Wrap(ErrNilCollaboratorResult, "build settlement")
	}

	if result.Terminate != nil {
		m.lock.Lock()
		t, exists := m.threads[threadID]
		if !exists {
			m.lock.Unlock()
			return nil, errors.Wrap(ErrUnknownThread, threadID)
		}
		if err := m.sendTerminationLocked(ctx, t, result.Terminate); err != nil {
			m.lock.Unlock()
			return nil, err
		}
		if err := m.persist(ctx); err != nil {
			m.lock.Unlock()
			return nil, err
		}
		m.lock.Unlock()
		m.flushEvents(ctx)

		return &PayOutcome{Termination: result.Terminate}, nil
	}

	if err := m.sendSettlement(ctx, threadID, &remittance.Settlement{
		ThreadID:  threadID,
		ModuleID:  module.ID(),
		OptionID:  chosenID,
		Sender:    me,
		CreatedAt: m.now(),
		Artifact:  result.Artifact,
	}); err != nil {
		return nil, err
	}

	if !m.options.ReceiptProvided {
		return nil, nil
	}

	state, err := m.waitForState(ctx, threadID,
		[]thread.State{thread.StateReceipted, thread.StateTerminated}, m.options.PayTimeout,
		m.options.PayPollInterval, true)
	if err != nil {
		return nil, err
	}

	final, err := m.GetThread(threadID)
	if err != nil {
		return nil, err
	}

	if state == thread.StateReceipted {
		return &PayOutcome{Receipt: final.Receipt}, nil
	}

	return &PayOutcome{Termination: final.Termination}, nil
}

// SendUnsolicitedSettlement creates a taker thread and settles without an invoice. The module
// must allow unsolicited settlements.
func (m *RemittanceManager) SendUnsolicitedSettlement(ctx context.Context, counterparty string,
	input UnsolicitedSettlementInput) (*ThreadHandle, error) {

	me, err := m.cachedIdentityKey(ctx)
	if err != nil {
		return nil, err
	}

	module, exists := m.modules[input.ModuleID]
	if !exists {
		return nil, errors.Wrap(ErrUnknownModule, input.ModuleID)
	}
	if !module.AllowUnsolicitedSettlements() {
		return nil, errors.Wrap(ErrUnsolicitedNotSupported, input.ModuleID)
	}

	should, err := m.shouldRequestIdentity(thread.RoleTaker,
		remittance.RequestIdentityBeforeSettlement)
	if err != nil {
		return nil, err
	}

	m.lock.Lock()
	t := m.createThread(m.newThreadID(), counterparty, thread.RoleTaker)
	threadID := t.ThreadID
	if err := m.persist(ctx); err != nil {
		m.lock.Unlock()
		return nil, err
	}
	m.lock.Unlock()
	m.flushEvents(ctx)

	handle := &ThreadHandle{manager: m, threadID: threadID}

	if should {
		if err := m.ensureIdentityExchange(ctx, threadID); err != nil {
			return nil, err
		}
	}

	result, err := module.BuildSettlement(ctx, &remittance.BuildSettlementRequest{
		ThreadID: threadID,
		Option:   input.Option,
		Note:     input.Note,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build settlement")
	}
	if result == nil {
		return nil, errors.Wrap(ErrNilCollaboratorResult, "build settlement")
	}

	if result.Terminate != nil {
		m.lock.Lock()
		t := m.threads[threadID]
		if err := m.sendTerminationLocked(ctx, t, result.Terminate); err != nil {
			m.lock.Unlock()
			return nil, err
		}
		if err := m.persist(ctx); err != nil {
			m.lock.Unlock()
			return nil, err
		}
		m.lock.Unlock()
		m.flushEvents(ctx)

		return handle, nil
	}

	optionID := input.OptionID
	if len(optionID) == 0 {
		optionID = input.ModuleID
	}

	if err := m.sendSettlement(ctx, threadID, &remittance.Settlement{
		ThreadID:  threadID,
		ModuleID:  input.ModuleID,
		OptionID:  optionID,
		Sender:    me,
		CreatedAt: m.now(),
		Artifact:  result.Artifact,
		Note:      input.Note,
	}); err != nil {
		return nil, err
	}

	return handle, nil
}

// sendSettlement stores and delivers a settlement on a thread.
func (m *RemittanceManager) sendSettlement(ctx context.Context, threadID string,
	settlement *remittance.Settlement) error {

	m.lock.Lock()

	t, exists := m.threads[threadID]
	if !exists {
		m.lock.Unlock()
		return errors.Wrap(ErrUnknownThread, threadID)
	}
	if t.Settlement != nil {
		m.lock.Unlock()
		return errors.Wrap(ErrAlreadySettled, threadID)
	}

	t.Settlement = settlement
	t.Flags.HasPaid = true
	if err := m.transition(t, thread.StateSettled, "settlement sent"); err != nil {
		m.lock.Unlock()
		return err
	}

	env, err := remittance.NewEnvelope(remittance.EnvelopeKindSettlement, m.newEnvelopeID(),
		threadID, settlement.CreatedAt, settlement)
	if err != nil {
		m.lock.Unlock()
		return err
	}
	if _, err := m.sendEnvelopeLocked(ctx, t, env); err != nil {
		m.lock.Unlock()
		return err
	}

	m.queueEvent(Event{
		Type:     EventTypeSettlementSent,
		ThreadID: threadID,
		Envelope: env,
		At:       m.now(),
	})

	if err := m.persist(ctx); err != nil {
		m.lock.Unlock()
		return err
	}
	m.lock.Unlock()
	m.flushEvents(ctx)

	return nil
}

// choosePaymentOption resolves the option id used by Pay: the explicit argument, then the
// engine's default, then the first invoice option in module registration order.
func (m *RemittanceManager) choosePaymentOption(invoice *remittance.Invoice,
	optionID string) (string, error) {

	if len(optionID) > 0 {
		return optionID, nil
	}

	m.lock.Lock()
	defaultOption := m.defaultPaymentOptionID
	m.lock.Unlock()
	if len(defaultOption) > 0 {
		return defaultOption, nil
	}

	if len(invoice.Options) == 0 {
		return "", ErrNoPaymentOptions
	}

	for _, module := range m.config.Modules {
		if _, exists := invoice.Options[module.ID()]; exists {
			return module.ID(), nil
		}
	}

	// Options only from modules we don't have registered locally.
	keys := make([]string, 0, len(invoice.Options))
	for key := range invoice.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys[0], nil
}
