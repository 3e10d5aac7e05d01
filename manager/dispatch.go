package manager

import (
	"context"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/thread"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
)

// SyncThreads fetches pending messages from the CommsLayer and applies each through the
// dispatcher. Messages that fail to apply stay unacknowledged so the transport may redeliver.
// Concurrent callers on the same engine must be serialized by the caller.
func (m *RemittanceManager) SyncThreads(ctx context.Context, hostOverride string) error {
	if _, err := m.cachedIdentityKey(ctx); err != nil {
		return err
	}

	msgs, err := m.config.Comms.ListMessages(ctx, remittance.ListMessages{
		MessageBox: m.options.MessageBox,
		Host:       hostOverride,
	})
	if err != nil {
		return errors.Wrap(err, "list messages")
	}

	for _, msg := range msgs {
		m.handleMessage(ctx, msg)
		m.flushEvents(ctx)
	}

	return nil
}

// handleMessage runs one inbound message through parse, thread resolution, dedupe, and apply.
// It never propagates an error: apply failures are recorded on the thread and the message is
// left unacknowledged. Must be called without the engine lock held.
func (m *RemittanceManager) handleMessage(ctx context.Context, msg *remittance.PeerMessage) {
	env, err := remittance.ParseEnvelope(msg.Body)
	if err != nil {
		// Unacknowledged so the transport may redeliver within its retry policy.
		logger.WarnWithFields(ctx, []logger.Field{
			logger.String("message_id", msg.MessageID),
		}, "Failed to parse envelope : %s", err)
		return
	}

	m.lock.Lock()

	t, exists := m.threads[env.ThreadID]
	if !exists {
		t = m.createThread(env.ThreadID, msg.Sender, m.inferRole(env))
	}

	if t.HasProcessed(msg.MessageID) {
		m.lock.Unlock()
		m.acknowledge(ctx, msg)
		return
	}

	if !t.HasRecordedEnvelope(msg.MessageID) {
		t.RecordEnvelope(thread.DirectionIn, env, msg.MessageID)
		m.queueEvent(Event{
			Type:     EventTypeEnvelopeReceived,
			ThreadID: t.ThreadID,
			Envelope: env,
			At:       m.now(),
		})
	}

	if err := m.applyEnvelope(ctx, t, env, msg); err != nil {
		t.LastError = &thread.ThreadError{Message: err.Error()}
		t.Flags.Error = true
		if !t.State.IsTerminal() {
			if terr := m.transition(t, thread.StateErrored, err.Error()); terr != nil {
				logger.Warn(ctx, "Failed to transition thread to errored : %s", terr)
			}
		}
		m.queueEvent(Event{
			Type:     EventTypeError,
			ThreadID: t.ThreadID,
			Err:      err.Error(),
			At:       m.now(),
		})
		if perr := m.persist(ctx); perr != nil {
			logger.Error(ctx, "Failed to persist state : %s", perr)
		}
		m.lock.Unlock()

		logger.WarnWithFields(ctx, []logger.Field{
			logger.String("thread_id", t.ThreadID),
			logger.Stringer("kind", env.Kind),
			logger.String("message_id", msg.MessageID),
		}, "Failed to apply envelope : %s", err)
		return
	}

	t.MarkProcessed(msg.MessageID)
	t.UpdatedAt = m.now()
	if err := m.persist(ctx); err != nil {
		// Not acknowledged: the message must be redelivered and reapplied after a restart
		// from the last good snapshot.
		m.lock.Unlock()
		logger.Error(ctx, "Failed to persist state : %s", err)
		return
	}
	m.lock.Unlock()

	m.acknowledge(ctx, msg)
}

func (m *RemittanceManager) acknowledge(ctx context.Context, msg *remittance.PeerMessage) {
	err := m.config.Comms.AcknowledgeMessages(ctx, remittance.AcknowledgeMessages{
		MessageBox: msg.MessageBox,
		MessageIDs: []string{msg.MessageID},
	})
	if err != nil {
		logger.WarnWithFields(ctx, []logger.Field{
			logger.String("message_id", msg.MessageID),
		}, "Failed to acknowledge message : %s", err)
	}
}

// inferRole decides our role on a thread first discovered via an inbound envelope.
func (m *RemittanceManager) inferRole(env *remittance.Envelope) thread.Role {
	switch env.Kind {
	case remittance.EnvelopeKindInvoice:
		return thread.RoleTaker
	case remittance.EnvelopeKindSettlement:
		return thread.RoleMaker
	case remittance.EnvelopeKindReceipt:
		return thread.RoleTaker
	case remittance.EnvelopeKindTermination:
		return thread.RoleTaker
	case remittance.EnvelopeKindIdentityVerificationResponse:
		// Responses only come to the side that asked.
		return m.identityRequesterRole()
	case remittance.EnvelopeKindIdentityVerificationRequest,
		remittance.EnvelopeKindIdentityVerificationAcknowledgment:
		return m.identityRequesterRole().Opposite()
	default:
		return thread.RoleTaker
	}
}

// identityRequesterRole picks which role initiates identity verification under the current
// options. When the options can't distinguish the sides the requester defaults to taker.
func (m *RemittanceManager) identityRequesterRole() thread.Role {
	maker := m.options.MakerRequestIdentity != remittance.RequestIdentityNever
	taker := m.options.TakerRequestIdentity != remittance.RequestIdentityNever

	switch {
	case maker && !taker:
		return thread.RoleMaker
	case taker && !maker:
		return thread.RoleTaker
	case maker && taker:
		if m.options.MakerRequestIdentity == remittance.RequestIdentityBeforeInvoicing &&
			m.options.TakerRequestIdentity == remittance.RequestIdentityBeforeSettlement {
			return thread.RoleMaker
		}
		if m.options.TakerRequestIdentity == remittance.RequestIdentityBeforeInvoicing &&
			m.options.MakerRequestIdentity == remittance.RequestIdentityBeforeSettlement {
			return thread.RoleTaker
		}
		return thread.RoleTaker
	default:
		return thread.RoleTaker
	}
}

// applyEnvelope applies one envelope to its thread. Must be called with the engine lock held.
// Returned errors route the thread to errored; handled rejections (terminations sent back to the
// counterparty) return nil so the message is acknowledged.
func (m *RemittanceManager) applyEnvelope(ctx context.Context, t *thread.Thread,
	env *remittance.Envelope, msg *remittance.PeerMessage) error {

	switch env.Kind {
	case remittance.EnvelopeKindIdentityVerificationRequest:
		return m.applyIdentityRequest(ctx, t, env)
	case remittance.EnvelopeKindIdentityVerificationResponse:
		return m.applyIdentityResponse(ctx, t, env)
	case remittance.EnvelopeKindIdentityVerificationAcknowledgment:
		return m.applyIdentityAcknowledgment(ctx, t)
	case remittance.EnvelopeKindInvoice:
		return m.applyInvoice(ctx, t, env)
	case remittance.EnvelopeKindSettlement:
		return m.applySettlement(ctx, t, env, msg)
	case remittance.EnvelopeKindReceipt:
		return m.applyReceipt(ctx, t, env, msg)
	case remittance.EnvelopeKindTermination:
		return m.applyTermination(ctx, t, env, msg)
	default:
		return ErrUnsupportedKind
	}
}

func (m *RemittanceManager) applyIdentityRequest(ctx context.Context, t *thread.Thread,
	env *remittance.Envelope) error {

	request, err := env.IdentityRequest()
	if err != nil {
		return err
	}

	if m.config.Identity == nil {
		return m.sendTerminationLocked(ctx, t, remittance.NewTermination("no_identity_layer",
			"Identity verification requested but no identity layer is configured"))
	}

	if err := m.transition(t, thread.StateIdentityRequested,
		"identity request received"); err != nil {
		return err
	}
	m.queueEvent(Event{
		Type:      EventTypeIdentityRequested,
		ThreadID:  t.ThreadID,
		Direction: thread.DirectionIn,
		At:        m.now(),
	})

	result, err := m.config.Identity.RespondToRequest(ctx, remittance.RespondToRequestContext{
		Counterparty: t.Counterparty,
		ThreadID:     t.ThreadID,
		Request:      request,
	})
	if err != nil {
		return errors.Wrap(err, "respond to request")
	}
	if result == nil {
		return errors.Wrap(ErrNilCollaboratorResult, "respond to request")
	}

	if result.Terminate != nil {
		return m.sendTerminationLocked(ctx, t, result.Terminate)
	}
	if result.Response == nil {
		return errors.New("identity layer returned neither response nor termination")
	}

	t.Identity.SentCertificates = result.Response.Certificates
	t.Identity.ResponseSent = true
	if err := m.transition(t, thread.StateIdentityResponded,
		"identity response sent"); err != nil {
		return err
	}

	responseEnv, err := remittance.NewEnvelope(
		remittance.EnvelopeKindIdentityVerificationResponse, m.newEnvelopeID(), t.ThreadID,
		m.now(), result.Response)
	if err != nil {
		return err
	}
	if _, err := m.sendEnvelopeLocked(ctx, t, responseEnv); err != nil {
		return err
	}

	m.queueEvent(Event{
		Type:      EventTypeIdentityResponded,
		ThreadID:  t.ThreadID,
		Direction: thread.DirectionOut,
		At:        m.now(),
	})
	return nil
}

func (m *RemittanceManager) applyIdentityResponse(ctx context.Context, t *thread.Thread,
	env *remittance.Envelope) error {

	response, err := env.IdentityResponse()
	if err != nil {
		return err
	}

	t.Identity.ReceivedCertificates = response.Certificates
	if err := m.transition(t, thread.StateIdentityResponded,
		"identity response received"); err != nil {
		return err
	}
	m.queueEvent(Event{
		Type:      EventTypeIdentityResponded,
		ThreadID:  t.ThreadID,
		Direction: thread.DirectionIn,
		At:        m.now(),
	})

	if m.config.Identity == nil {
		return m.sendTerminationLocked(ctx, t, remittance.NewTermination("no_identity_layer",
			"Identity verification response received but no identity layer is configured"))
	}

	assessment, err := m.config.Identity.AssessReceivedCertificateSufficiency(ctx,
		t.Counterparty, response, t.ThreadID)
	if err != nil {
		return errors.Wrap(err, "assess certificates")
	}
	if assessment == nil {
		return errors.Wrap(ErrNilCollaboratorResult, "assess certificates")
	}

	if assessment.Terminate != nil {
		return m.sendTerminationLocked(ctx, t, assessment.Terminate)
	}

	// The acknowledging side considers identity established immediately and does not wait for
	// its own ack to be read.
	t.Identity.AcknowledgmentSent = true
	t.Flags.HasIdentified = true
	if err := m.transition(t, thread.StateIdentityAcknowledged,
		"identity acknowledged"); err != nil {
		return err
	}

	ackEnv, err := remittance.NewEnvelope(
		remittance.EnvelopeKindIdentityVerificationAcknowledgment, m.newEnvelopeID(),
		t.ThreadID, m.now(), remittance.IdentityVerificationAcknowledgment{})
	if err != nil {
		return err
	}
	if _, err := m.sendEnvelopeLocked(ctx, t, ackEnv); err != nil {
		return err
	}

	m.queueEvent(Event{
		Type:      EventTypeIdentityAcknowledged,
		ThreadID:  t.ThreadID,
		Direction: thread.DirectionOut,
		At:        m.now(),
	})
	return nil
}

func (m *RemittanceManager) applyIdentityAcknowledgment(ctx context.Context,
	t *thread.Thread) error {

	t.Identity.AcknowledgmentReceived = true
	t.Flags.HasIdentified = true
	if err := m.transition(t, thread.StateIdentityAcknowledged,
		"identity acknowledgment received"); err != nil {
		return err
	}

	m.queueEvent(Event{
		Type:      EventTypeIdentityAcknowledged,
		ThreadID:  t.ThreadID,
		Direction: thread.DirectionIn,
		At:        m.now(),
	})
	return nil
}

func (m *RemittanceManager) applyInvoice(ctx context.Context, t *thread.Thread,
	env *remittance.Envelope) error {

	invoice, err := env.Invoice()
	if err != nil {
		return err
	}

	if t.Invoice != nil {
		return ErrInvoiceAlreadyPresent
	}

	t.Invoice = invoice
	t.Flags.HasInvoiced = true
	if err := m.transition(t, thread.StateInvoiced, "invoice received"); err != nil {
		return err
	}

	m.queueEvent(Event{
		Type:     EventTypeInvoiceReceived,
		ThreadID: t.ThreadID,
		Envelope: env,
		At:       m.now(),
	})
	return nil
}

func (m *RemittanceManager) applySettlement(ctx context.Context, t *thread.Thread,
	env *remittance.Envelope, msg *remittance.PeerMessage) error {

	settlement, err := env.Settlement()
	if err != nil {
		return err
	}

	if t.MyRole == thread.RoleMaker &&
		m.options.MakerRequestIdentity == remittance.RequestIdentityBeforeSettlement &&
		!t.Flags.HasIdentified {
		return m.sendTerminationLocked(ctx, t, remittance.NewTermination("identity_required",
			"Identity verification required before settlement"))
	}

	if t.Settlement != nil {
		return ErrSettlementAlreadyPresent
	}

	t.Settlement = settlement
	t.Flags.HasPaid = true
	if err := m.transition(t, thread.StateSettled, "settlement received"); err != nil {
		return err
	}
	m.queueEvent(Event{
		Type:     EventTypeSettlementReceived,
		ThreadID: t.ThreadID,
		Envelope: env,
		At:       m.now(),
	})

	module, exists := m.modules[settlement.ModuleID]
	if !exists {
		return m.sendTerminationLocked(ctx, t, remittance.NewTermination("unknown_module",
			"No module registered for "+settlement.ModuleID))
	}

	if t.Invoice == nil && !module.AllowUnsolicitedSettlements() {
		return m.sendTerminationLocked(ctx, t, remittance.NewTermination(
			"unsolicited_not_supported", "Unsolicited settlement not supported"))
	}

	payer := msg.Sender
	if len(payer) == 0 {
		payer = settlement.Sender
	}

	result, err := module.AcceptSettlement(ctx, &remittance.AcceptSettlementRequest{
		ThreadID:   t.ThreadID,
		Invoice:    t.Invoice,
		Settlement: settlement,
		Sender:     payer,
	})
	if err != nil {
		return m.sendTerminationLocked(ctx, t,
			remittance.NewTermination("module_error", err.Error()))
	}
	if result == nil {
		return errors.Wrap(ErrNilCollaboratorResult, "accept settlement")
	}
	if result.Terminate != nil {
		return m.sendTerminationLocked(ctx, t, result.Terminate)
	}

	receipt := &remittance.Receipt{
		ThreadID:    t.ThreadID,
		ModuleID:    settlement.ModuleID,
		OptionID:    settlement.OptionID,
		Payee:       m.identityKey,
		Payer:       payer,
		CreatedAt:   m.now(),
		ReceiptData: result.ReceiptData,
	}

	t.Receipt = receipt
	t.Flags.HasReceipted = true
	if err := m.transition(t, thread.StateReceipted, "settlement accepted"); err != nil {
		return err
	}

	if m.options.ReceiptProvided && m.options.AutoIssueReceipt {
		receiptEnv, err := remittance.NewEnvelope(remittance.EnvelopeKindReceipt,
			m.newEnvelopeID(), t.ThreadID, m.now(), receipt)
		if err != nil {
			return err
		}
		if _, err := m.sendEnvelopeLocked(ctx, t, receiptEnv); err != nil {
			return err
		}

		m.queueEvent(Event{
			Type:     EventTypeReceiptSent,
			ThreadID: t.ThreadID,
			Envelope: receiptEnv,
			At:       m.now(),
		})
	}

	return nil
}

func (m *RemittanceManager) applyReceipt(ctx context.Context, t *thread.Thread,
	env *remittance.Envelope, msg *remittance.PeerMessage) error {

	receipt, err := env.Receipt()
	if err != nil {
		return err
	}

	if t.Receipt != nil {
		return ErrReceiptAlreadyPresent
	}
	if t.Settlement == nil {
		return ErrReceiptWithoutSettlement
	}

	t.Receipt = receipt
	t.Flags.HasReceipted = true
	if err := m.transition(t, thread.StateReceipted, "receipt received"); err != nil {
		return err
	}
	m.queueEvent(Event{
		Type:     EventTypeReceiptReceived,
		ThreadID: t.ThreadID,
		Envelope: env,
		At:       m.now(),
	})

	if module, exists := m.modules[receipt.ModuleID]; exists {
		if processor, ok := module.(remittance.ReceiptProcessor); ok {
			err := processor.ProcessReceipt(ctx, &remittance.ProcessReceiptRequest{
				ThreadID:    t.ThreadID,
				Invoice:     t.Invoice,
				ReceiptData: receipt.ReceiptData,
				Sender:      msg.Sender,
			})
			if err != nil {
				return errors.Wrap(err, "process receipt")
			}
		}
	}

	return nil
}

func (m *RemittanceManager) applyTermination(ctx context.Context, t *thread.Thread,
	env *remittance.Envelope, msg *remittance.PeerMessage) error {

	termination, err := env.Termination()
	if err != nil {
		return err
	}

	if t.State.IsTerminal() {
		// Already closed. Nothing to record, but the message is still acknowledged.
		return nil
	}

	if t.Termination == nil {
		t.Termination = termination
	}
	t.LastError = &thread.ThreadError{
		Code:    termination.Code,
		Message: termination.Message,
	}
	t.Flags.Error = true
	if err := m.transition(t, thread.StateTerminated, "termination received"); err != nil {
		return err
	}
	m.queueEvent(Event{
		Type:     EventTypeTerminationReceived,
		ThreadID: t.ThreadID,
		Envelope: env,
		At:       m.now(),
	})

	if t.Settlement != nil {
		if module, exists := m.modules[t.Settlement.ModuleID]; exists {
			if processor, ok := module.(remittance.TerminationProcessor); ok {
				err := processor.ProcessTermination(ctx, &remittance.ProcessTerminationRequest{
					ThreadID:    t.ThreadID,
					Invoice:     t.Invoice,
					Settlement:  t.Settlement,
					Termination: termination,
					Sender:      msg.Sender,
				})
				if err != nil {
					// The thread is already terminated; the hook failing can't move it.
					logger.Warn(ctx, "Failed to process termination : %s", err)
				}
			}
		}
	}

	return nil
}
