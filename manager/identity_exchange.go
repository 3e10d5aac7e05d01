package manager

import (
	"context"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/thread"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
)

// shouldRequestIdentity reports whether our role initiates identity verification at this phase.
// It fails fast when identity is required but no identity layer is configured.
func (m *RemittanceManager) shouldRequestIdentity(role thread.Role,
	phase remittance.RequestIdentityPhase) (bool, error) {

	option := m.options.TakerRequestIdentity
	if role == thread.RoleMaker {
		option = m.options.MakerRequestIdentity
	}

	if option != phase {
		return false, nil
	}
	if m.config.Identity == nil {
		return false, ErrNoIdentityLayer
	}

	return true, nil
}

// ensureIdentityExchange drives the identity exchange on a thread to completion: send the
// request if it hasn't gone out yet, then wait for the acknowledgment, polling the transport
// while waiting. Returns immediately when identity is already established.
func (m *RemittanceManager) ensureIdentityExchange(ctx context.Context, threadID string) error {
	if m.config.Identity == nil {
		return ErrNoIdentityLayer
	}

	m.lock.Lock()

	t, exists := m.threads[threadID]
	if !exists {
		m.lock.Unlock()
		return errors.Wrap(ErrUnknownThread, threadID)
	}
	if t.Flags.HasIdentified {
		m.lock.Unlock()
		return nil
	}

	if !t.Identity.RequestSent {
		request, err := m.config.Identity.DetermineCertificatesToRequest(ctx,
			remittance.CertificateRequestContext{
				Counterparty: t.Counterparty,
				ThreadID:     threadID,
			})
		if err != nil {
			m.lock.Unlock()
			return errors.Wrap(err, "determine certificates")
		}

		t.Identity.RequestSent = true
		if err := m.transition(t, thread.StateIdentityRequested,
			"identity request sent"); err != nil {
			m.lock.Unlock()
			return err
		}
		m.queueEvent(Event{
			Type:      EventTypeIdentityRequested,
			ThreadID:  threadID,
			Direction: thread.DirectionOut,
			At:        m.now(),
		})

		env, err := remittance.NewEnvelope(
			remittance.EnvelopeKindIdentityVerificationRequest, m.newEnvelopeID(), threadID,
			m.now(), request)
		if err != nil {
			m.lock.Unlock()
			return err
		}
		if _, err := m.sendEnvelopeLocked(ctx, t, env); err != nil {
			m.lock.Unlock()
			return err
		}

		if err := m.persist(ctx); err != nil {
			m.lock.Unlock()
			return err
		}
	}

	m.lock.Unlock()
	m.flushEvents(ctx)

	logger.InfoWithFields(ctx, []logger.Field{
		logger.String("thread_id", threadID),
	}, "Waiting for identity acknowledgment")

	_, err := m.waitForState(ctx, threadID, []thread.State{thread.StateIdentityAcknowledged},
		m.options.IdentityTimeout, m.options.IdentityPollInterval, true)
	return err
}
