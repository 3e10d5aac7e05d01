package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tokenized/remittance"

	"github.com/tokenized/logger"
)

// testBus is an in-memory store-and-forward transport shared by the engines in a test. Each
// engine attaches through an endpoint bound to its identity key.
type testBus struct {
	lock    sync.Mutex
	nextID  int
	pending map[string][]*remittance.PeerMessage // recipient key -> unacknowledged messages
	history []*remittance.PeerMessage            // every message ever sent, in send order
}

func newTestBus() *testBus {
	return &testBus{
		pending: make(map[string][]*remittance.PeerMessage),
	}
}

func (b *testBus) endpoint(identityKey string) *testComms {
	return &testComms{bus: b, me: identityKey}
}

func (b *testBus) deliver(sender string, msg remittance.SendMessage) string {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.nextID++
	peerMsg := &remittance.PeerMessage{
		MessageID:  fmt.Sprintf("msg_%d", b.nextID),
		Sender:     sender,
		Recipient:  msg.Recipient,
		MessageBox: msg.MessageBox,
		Body:       msg.Body,
	}

	b.pending[msg.Recipient] = append(b.pending[msg.Recipient], peerMsg)
	b.history = append(b.history, peerMsg)
	return peerMsg.MessageID
}

// inject places a raw message in a recipient's box, for tests that need to feed the dispatcher
// envelopes no engine would send.
func (b *testBus) inject(sender, recipient string, body []byte) string {
	return b.deliver(sender, remittance.SendMessage{
		Recipient:  recipient,
		MessageBox: DefaultMessageBox,
		Body:       body,
	})
}

// redeliver puts an already-acknowledged message back in its recipient's box with the same
// message id.
func (b *testBus) redeliver(msg *remittance.PeerMessage) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.pending[msg.Recipient] = append(b.pending[msg.Recipient], msg)
}

func (b *testBus) pendingFor(recipient string) []*remittance.PeerMessage {
	b.lock.Lock()
	defer b.lock.Unlock()

	result := make([]*remittance.PeerMessage, len(b.pending[recipient]))
	copy(result, b.pending[recipient])
	return result
}

// historyKinds returns the envelope kind of every parseable message sent on the bus, in order.
func (b *testBus) historyKinds() []remittance.EnvelopeKind {
	b.lock.Lock()
	defer b.lock.Unlock()

	var result []remittance.EnvelopeKind
	for _, msg := range b.history {
		env, err := remittance.ParseEnvelope(msg.Body)
		if err != nil {
			continue
		}
		result = append(result, env.Kind)
	}
	return result
}

type testComms struct {
	bus *testBus
	me  string
}

func (c *testComms) SendMessage(ctx context.Context, msg remittance.SendMessage,
	hostOverride string) (string, error) {

	return c.bus.deliver(c.me, msg), nil
}

func (c *testComms) ListMessages(ctx context.Context,
	list remittance.ListMessages) ([]*remittance.PeerMessage, error) {

	return c.bus.pendingFor(c.me), nil
}

func (c *testComms) AcknowledgeMessages(ctx context.Context,
	ack remittance.AcknowledgeMessages) error {

	c.bus.lock.Lock()
	defer c.bus.lock.Unlock()

	for _, id := range ack.MessageIDs {
		pending := c.bus.pending[c.me]
		for i, msg := range pending {
			if msg.MessageID == id {
				c.bus.pending[c.me] = append(pending[:i], pending[i+1:]...)
				break
			}
		}
	}
	return nil
}

type testWallet struct {
	key string
}

func (w testWallet) IdentityPublicKey(ctx context.Context) (string, error) {
	return w.key, nil
}

// testModule implements the full module surface with configurable results and invocation
// counters.
type testModule struct {
	lock sync.Mutex

	id               string
	allowUnsolicited bool

	buildResult  *remittance.BuildSettlementResult
	buildErr     error
	buildNil     bool
	acceptResult *remittance.AcceptSettlementResult
	acceptErr    error
	acceptNil    bool

	buildCount        int
	acceptCount       int
	receiptCount      int
	terminationCount  int
	createOptionCount int
}

func newTestModule(id string, allowUnsolicited bool) *testModule {
	return &testModule{
		id:               id,
		allowUnsolicited: allowUnsolicited,
	}
}

func (m *testModule) ID() string   { return m.id }
func (m *testModule) Name() string { return "Test Module " + m.id }

func (m *testModule) AllowUnsolicitedSettlements() bool { return m.allowUnsolicited }

func (m *testModule) CreateOption(ctx context.Context,
	request *remittance.CreateOptionRequest) (json.RawMessage, error) {

	m.lock.Lock()
	defer m.lock.Unlock()

	m.createOptionCount++
	return json.RawMessage(fmt.Sprintf(`{"module":"%s"}`, m.id)), nil
}

func (m *testModule) BuildSettlement(ctx context.Context,
	request *remittance.BuildSettlementRequest) (*remittance.BuildSettlementResult, error) {

	m.lock.Lock()
	defer m.lock.Unlock()

	m.buildCount++
	if m.buildErr != nil {
		return nil, m.buildErr
	}
	if m.buildNil {
		return nil, nil
	}
	if m.buildResult != nil {
		return m.buildResult, nil
	}

	return &remittance.BuildSettlementResult{
		Artifact: json.RawMessage(`{"proof":"paid"}`),
	}, nil
}

func (m *testModule) AcceptSettlement(ctx context.Context,
	request *remittance.AcceptSettlementRequest) (*remittance.AcceptSettlementResult, error) {

	m.lock.Lock()
	defer m.lock.Unlock()

	m.acceptCount++
	if m.acceptErr != nil {
		return nil, m.acceptErr
	}
	if m.acceptNil {
		return nil, nil
	}
	if m.acceptResult != nil {
		return m.acceptResult, nil
	}

	return &remittance.AcceptSettlementResult{
		ReceiptData: json.RawMessage(`{"accepted":true}`),
	}, nil
}

func (m *testModule) ProcessReceipt(ctx context.Context,
	request *remittance.ProcessReceiptRequest) error {

	m.lock.Lock()
	defer m.lock.Unlock()

	m.receiptCount++
	return nil
}

func (m *testModule) ProcessTermination(ctx context.Context,
	request *remittance.ProcessTerminationRequest) error {

	m.lock.Lock()
	defer m.lock.Unlock()

	m.terminationCount++
	return nil
}

func (m *testModule) counts() (int, int, int, int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.buildCount, m.acceptCount, m.receiptCount, m.terminationCount
}

// testIdentity responds to every request with one certificate and acknowledges every response,
// unless configured to terminate.
type testIdentity struct {
	lock sync.Mutex

	terminateOnRespond *remittance.Termination
	terminateOnAssess  *remittance.Termination
	respondNil         bool
	assessNil          bool

	requestCount int
	respondCount int
	assessCount  int
}

func (i *testIdentity) DetermineCertificatesToRequest(ctx context.Context,
	request remittance.CertificateRequestContext) (*remittance.IdentityVerificationRequest, error) {

	i.lock.Lock()
	defer i.lock.Unlock()

	i.requestCount++
	return &remittance.IdentityVerificationRequest{
		CertificateTypes: map[string][]string{"kyc": {"name"}},
	}, nil
}

func (i *testIdentity) RespondToRequest(ctx context.Context,
	request remittance.RespondToRequestContext) (*remittance.RespondToRequestResult, error) {

	i.lock.Lock()
	defer i.lock.Unlock()

	i.respondCount++
	if i.respondNil {
		return nil, nil
	}
	if i.terminateOnRespond != nil {
		return &remittance.RespondToRequestResult{Terminate: i.terminateOnRespond}, nil
	}

	return &remittance.RespondToRequestResult{
		Response: &remittance.IdentityVerificationResponse{
			Certificates: []*remittance.Certificate{{
				Type:      "kyc",
				Certifier: "certifier_key",
				Subject:   "subject_key",
				Fields:    map[string]string{"name": "encrypted_name"},
			}},
		},
	}, nil
}

func (i *testIdentity) AssessReceivedCertificateSufficiency(ctx context.Context,
	counterparty string, response *remittance.IdentityVerificationResponse,
	threadID string) (*remittance.CertificateAssessment, error) {

	i.lock.Lock()
	defer i.lock.Unlock()

	i.assessCount++
	if i.assessNil {
		return nil, nil
	}
	return &remittance.CertificateAssessment{Terminate: i.terminateOnAssess}, nil
}

// testPeer bundles one engine with its transport endpoint.
type testPeer struct {
	manager *RemittanceManager
	key     string
	comms   *testComms
}

type peerConfig struct {
	options  *Options
	modules  []remittance.Module
	identity remittance.IdentityLayer
	load     StateLoader
	save     StateSaver
}

func fastOptions() *Options {
	options := DefaultOptions()
	options.IdentityTimeout = 2 * time.Second
	options.IdentityPollInterval = 5 * time.Millisecond
	options.PayTimeout = 2 * time.Second
	options.PayPollInterval = 5 * time.Millisecond
	return &options
}

func newTestPeer(t *testing.T, ctx context.Context, bus *testBus, key string,
	config peerConfig) *testPeer {

	comms := bus.endpoint(key)

	if config.options == nil {
		config.options = fastOptions()
	}

	threadCount := 0
	envelopeCount := 0

	m, err := NewRemittanceManager(ctx, Config{
		Comms:     comms,
		Wallet:    testWallet{key: key},
		Identity:  config.identity,
		Modules:   config.modules,
		Options:   config.options,
		LoadState: config.load,
		SaveState: config.save,
		NewThreadID: func() string {
			threadCount++
			return fmt.Sprintf("thread_%s_%d", key, threadCount)
		},
		NewEnvelopeID: func() string {
			envelopeCount++
			return fmt.Sprintf("envelope_%s_%d", key, envelopeCount)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create manager : %s", err)
	}

	return &testPeer{
		manager: m,
		key:     key,
		comms:   comms,
	}
}

func testContext() context.Context {
	return logger.ContextWithLogger(context.Background(), true, true, "")
}

// pump repeatedly syncs an engine in the background until the returned stop function is called.
// It drives engines whose counterpart is blocked in a waiting call.
func pump(ctx context.Context, m *RemittanceManager) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}

			m.SyncThreads(ctx, "")
			time.Sleep(5 * time.Millisecond)
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func mustAmount(t *testing.T, s string) remittance.Amount {
	amount, err := remittance.ParseAmount(s)
	if err != nil {
		t.Fatalf("Failed to parse amount : %s", err)
	}
	return amount
}
