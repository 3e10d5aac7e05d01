package manager

import (
	"context"
	"sync"
	"time"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/thread"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultMessageBox = "remittance_inbox"

	DefaultIdentityTimeout      = 30 * time.Second
	DefaultIdentityPollInterval = 500 * time.Millisecond
	DefaultPayTimeout           = 30 * time.Second
	DefaultPayPollInterval      = 500 * time.Millisecond
)

// Options are the runtime knobs of the engine.
type Options struct {
	// MessageBox is the CommsLayer message box name inbound messages are listed from and
	// outbound messages are addressed to.
	MessageBox string

	// MakerRequestIdentity and TakerRequestIdentity control when each role initiates identity
	// verification.
	MakerRequestIdentity remittance.RequestIdentityPhase
	TakerRequestIdentity remittance.RequestIdentityPhase

	// ReceiptProvided false makes Pay return immediately after sending the settlement instead
	// of waiting for a receipt.
	ReceiptProvided bool

	// AutoIssueReceipt true makes the payee send the receipt envelope automatically after a
	// settlement is accepted.
	AutoIssueReceipt bool

	// InvoiceExpirySeconds negative means invoices never expire.
	InvoiceExpirySeconds int64

	IdentityTimeout      time.Duration
	IdentityPollInterval time.Duration
	PayTimeout           time.Duration
	PayPollInterval      time.Duration

	// DefaultPaymentOptionID is used by Pay when no option id is given.
	DefaultPaymentOptionID string
}

func DefaultOptions() Options {
	return Options{
		MessageBox:           DefaultMessageBox,
		ReceiptProvided:      true,
		AutoIssueReceipt:     true,
		InvoiceExpirySeconds: -1,
		IdentityTimeout:      DefaultIdentityTimeout,
		IdentityPollInterval: DefaultIdentityPollInterval,
		PayTimeout:           DefaultPayTimeout,
		PayPollInterval:      DefaultPayPollInterval,
	}
}

// Config wires the engine to its collaborators. Comms and Wallet are required; everything else
// is optional. Clock and id factories are injectable for test determinism.
type Config struct {
	Comms    remittance.CommsLayer
	Wallet   remittance.Wallet
	Identity remittance.IdentityLayer
	Modules  []remittance.Module

	// Options nil means DefaultOptions.
	Options *Options

	LoadState StateLoader
	SaveState StateSaver

	Now           func() remittance.UnixMillis
	NewThreadID   func() string
	NewEnvelopeID func() string
}

// RemittanceManager drives remittance threads with counterparties over a CommsLayer. All thread
// mutations are serialized behind a single engine lock; waits happen outside it.
type RemittanceManager struct {
	config  Config
	options Options

	modules map[string]remittance.Module

	threads map[string]*thread.Thread
	// threadOrder keeps snapshot and enumeration order deterministic.
	threadOrder []string

	defaultPaymentOptionID string

	// identityKey caches the wallet's identity public key after first touch.
	identityKey string

	waiters map[string][]*stateWaiter

	listeners     map[EventType][]Listener
	sinks         []Listener
	pendingEvents []Event

	lock sync.Mutex
}

func NewRemittanceManager(ctx context.Context, config Config) (*RemittanceManager, error) {
	if config.Comms == nil {
		return nil, errors.Wrap(ErrMissingCollaborator, "comms")
	}
	if config.Wallet == nil {
		return nil, errors.Wrap(ErrMissingCollaborator, "wallet")
	}

	options := DefaultOptions()
	if config.Options != nil {
		options = *config.Options
		if len(options.MessageBox) == 0 {
			options.MessageBox = DefaultMessageBox
		}
		if options.IdentityTimeout == 0 {
			options.IdentityTimeout = DefaultIdentityTimeout
		}
		if options.IdentityPollInterval == 0 {
			options.IdentityPollInterval = DefaultIdentityPollInterval
		}
		if options.PayTimeout == 0 {
			options.PayTimeout = DefaultPayTimeout
		}
		if options.PayPollInterval == 0 {
			options.PayPollInterval = DefaultPayPollInterval
		}
	}

	result := &RemittanceManager{
		config:                 config,
		options:                options,
		modules:                make(map[string]remittance.Module),
		threads:                make(map[string]*thread.Thread),
		defaultPaymentOptionID: options.DefaultPaymentOptionID,
		waiters:                make(map[string][]*stateWaiter),
		listeners:              make(map[EventType][]Listener),
	}

	for _, module := range config.Modules {
		result.modules[module.ID()] = module
	}

	if err := result.restore(ctx); err != nil {
		return nil, err
	}

	return result, nil
}

func (m *RemittanceManager) now() remittance.UnixMillis {
	if m.config.Now != nil {
		return m.config.Now()
	}

	return remittance.Now()
}

func (m *RemittanceManager) newThreadID() string {
	if m.config.NewThreadID != nil {
		return m.config.NewThreadID()
	}

	return uuid.New().String()
}

func (m *RemittanceManager) newEnvelopeID() string {
	if m.config.NewEnvelopeID != nil {
		return m.config.NewEnvelopeID()
	}

	return uuid.New().String()
}

// cachedIdentityKey returns the wallet's identity public key, fetching and caching it on first
// touch. Every public entry point goes through this.
func (m *RemittanceManager) cachedIdentityKey(ctx context.Context) (string, error) {
	m.lock.Lock()
	key := m.identityKey
	m.lock.Unlock()

	if len(key) > 0 {
		return key, nil
	}

	key, err := m.config.Wallet.IdentityPublicKey(ctx)
	if err != nil {
		return "", errors.Wrap(err, "identity public key")
	}
	if len(key) == 0 {
		return "", ErrNoIdentityKey
	}

	m.lock.Lock()
	m.identityKey = key
	m.lock.Unlock()

	return key, nil
}

// FindThread returns an isolated copy of a thread, or nil when it doesn't exist.
func (m *RemittanceManager) FindThread(threadID string) (*thread.Thread, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	t, exists := m.threads[threadID]
	if !exists {
		return nil, nil
	}

	return t.Copy()
}

// GetThread returns an isolated copy of a thread and fails when it doesn't exist.
func (m *RemittanceManager) GetThread(threadID string) (*thread.Thread, error) {
	result, err := m.FindThread(threadID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.Wrap(ErrUnknownThread, threadID)
	}

	return result, nil
}

// Threads returns isolated copies of all threads in creation order.
func (m *RemittanceManager) Threads() ([]*thread.Thread, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	result := make([]*thread.Thread, 0, len(m.threadOrder))
	for _, id := range m.threadOrder {
		copied, err := m.threads[id].Copy()
		if err != nil {
			return nil, errors.Wrapf(err, "copy thread %s", id)
		}
		result = append(result, copied)
	}

	return result, nil
}

// PayableInvoices returns copies of taker threads holding an unexpired invoice that has not been
// settled.
func (m *RemittanceManager) PayableInvoices() ([]*thread.Thread, error) {
	now := m.now()

	m.lock.Lock()
	defer m.lock.Unlock()

	var result []*thread.Thread
	for _, id := range m.threadOrder {
		t := m.threads[id]
		if t.MyRole != thread.RoleTaker || t.Invoice == nil || t.Settlement != nil ||
			t.State.IsTerminal() || t.Invoice.IsExpired(now) {
			continue
		}

		copied, err := t.Copy()
		if err != nil {
			return nil, errors.Wrapf(err, "copy thread %s", id)
		}
		result = append(result, copied)
	}

	return result, nil
}

// ReceivableInvoices returns copies of maker threads holding an invoice awaiting settlement.
func (m *RemittanceManager) ReceivableInvoices() ([]*thread.Thread, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var result []*thread.Thread
	for _, id := range m.threadOrder {
		t := m.threads[id]
		if t.MyRole != thread.RoleMaker || t.Invoice == nil || t.Settlement != nil ||
			t.State.IsTerminal() {
			continue
		}

		copied, err := t.Copy()
		if err != nil {
			return nil, errors.Wrapf(err, "copy thread %s", id)
		}
		result = append(result, copied)
	}

	return result, nil
}

// SetDefaultPaymentOption sets the option id Pay uses when none is given.
func (m *RemittanceManager) SetDefaultPaymentOption(ctx context.Context, optionID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.defaultPaymentOptionID = optionID
	return m.persist(ctx)
}

// createThread adds a new thread. Must be called with the engine lock held.
func (m *RemittanceManager) createThread(threadID, counterparty string,
	myRole thread.Role) *thread.Thread {

	t := thread.New(threadID, counterparty, myRole, m.now())
	m.threads[threadID] = t
	m.threadOrder = append(m.threadOrder, threadID)

	m.queueEvent(Event{
		Type:     EventTypeThreadCreated,
		ThreadID: threadID,
		At:       t.CreatedAt,
	})

	return t
}

// transition moves a thread to a new state, queues the state change event, and wakes any
// waiters. Must be called with the engine lock held.
func (m *RemittanceManager) transition(t *thread.Thread, to thread.State, reason string) error {
	from := t.State
	if err := t.Transition(to, reason, m.now()); err != nil {
		return err
	}

	m.queueEvent(Event{
		Type:     EventTypeStateChanged,
		ThreadID: t.ThreadID,
		From:     from,
		To:       to,
		At:       t.UpdatedAt,
	})

	m.wakeWaiters(t)
	return nil
}
