package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/thread"

	"github.com/go-test/deep"
	"github.com/pkg/errors"
)

// assertConsistent checks the state-flags invariant on every thread of an engine: the stored
// state equals the derived state and the flags match the presence of their fields.
func assertConsistent(t *testing.T, m *RemittanceManager) {
	t.Helper()

	allThreads, err := m.Threads()
	if err != nil {
		t.Fatalf("Failed to list threads : %s", err)
	}

	for _, record := range allThreads {
		if record.State != record.DeriveState() {
			t.Errorf("Thread %s state %s doesn't match derived %s", record.ThreadID,
				record.State, record.DeriveState())
		}

		if record.Flags.HasInvoiced != (record.Invoice != nil) {
			t.Errorf("Thread %s has_invoiced flag inconsistent", record.ThreadID)
		}
		if record.Flags.HasPaid != (record.Settlement != nil) {
			t.Errorf("Thread %s has_paid flag inconsistent", record.ThreadID)
		}
		if record.Flags.HasReceipted != (record.Receipt != nil) {
			t.Errorf("Thread %s has_receipted flag inconsistent", record.ThreadID)
		}
	}
}

func Test_HappyPath(t *testing.T) {
	ctx := testContext()
	bus := newTestBus()

	makerModule := newTestModule("M", false)
	takerModule := newTestModule("M", false)

	maker := newTestPeer(t, ctx, bus, "k_m", peerConfig{
		modules: []remittance.Module{makerModule},
	})
	taker := newTestPeer(t, ctx, bus, "k_t", peerConfig{
		modules: []remittance.Module{takerModule},
	})

	handle, err := maker.manager.SendInvoice(ctx, "k_t", InvoiceInput{
		Total:         mustAmount(t, "1000 bsv:sat"),
		InvoiceNumber: "INV-1",
	})
	if err != nil {
		t.Fatalf("Failed to send invoice : %s", err)
	}
	threadID := handle.ThreadID()

	if err := taker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync taker : %s", err)
	}

	payable, err := taker.manager.PayableInvoices()
	if err != nil {
		t.Fatalf("Failed to list payable invoices : %s", err)
	}
	if len(payable) != 1 || payable[0].ThreadID != threadID {
		t.Fatalf("Wrong payable invoices : %d", len(payable))
	}

	stopPump := pump(ctx, maker.manager)
	outcome, err := taker.manager.Pay(ctx, threadID, "M")
	stopPump()
	if err != nil {
		t.Fatalf("Failed to pay : %s", err)
	}
	if outcome == nil || outcome.Receipt == nil {
		t.Fatalf("Expected receipt outcome : %+v", outcome)
	}

	if err := maker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync maker : %s", err)
	}

	makerThread, err := maker.manager.GetThread(threadID)
	if err != nil {
		t.Fatalf("Failed to get maker thread : %s", err)
	}
	takerThread, err := taker.manager.GetThread(threadID)
	if err != nil {
		t.Fatalf("Failed to get taker thread : %s", err)
	}

	if makerThread.State != thread.StateReceipted {
		t.Errorf("Wrong maker state : got %s, want receipted", makerThread.State)
	}
	if takerThread.State != thread.StateReceipted {
		t.Errorf("Wrong taker state : got %s, want receipted", takerThread.State)
	}
	if makerThread.Receipt == nil || takerThread.Receipt == nil {
		t.Fatalf("Missing receipt")
	}
	if makerThread.Receipt.Payee != "k_m" || makerThread.Receipt.Payer != "k_t" {
		t.Errorf("Wrong receipt parties : payee %s, payer %s", makerThread.Receipt.Payee,
			makerThread.Receipt.Payer)
	}

	_, acceptCount, _, _ := makerModule.counts()
	if acceptCount != 1 {
		t.Errorf("Wrong accept count : got %d, want 1", acceptCount)
	}
	_, _, receiptCount, _ := takerModule.counts()
	if receiptCount != 1 {
		t.Errorf("Wrong process receipt count : got %d, want 1", receiptCount)
	}

	assertConsistent(t, maker.manager)
	assertConsistent(t, taker.manager)
}

func Test_Idempotency(t *testing.T) {
	ctx := testContext()
	bus := newTestBus()

	maker := newTestPeer(t, ctx, bus, "k_m", peerConfig{})
	taker := newTestPeer(t, ctx, bus, "k_t", peerConfig{})

	handle, err := maker.manager.SendInvoice(ctx, "k_t", InvoiceInput{
		Total: mustAmount(t, "1000 bsv:sat"),
	})
	if err != nil {
		t.Fatalf("Failed to send invoice : %s", err)
	}

	pending := bus.pendingFor("k_t")
	if len(pending) != 1 {
		t.Fatalf("Wrong pending count : got %d, want 1", len(pending))
	}
	invoiceMsg := pending[0]

	if err := taker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync taker : %s", err)
	}

	before, err := taker.manager.GetThread(handle.ThreadID())
	if err != nil {
		t.Fatalf("Failed to get thread : %s", err)
	}

	// Redeliver the exact same transport message.
	bus.redeliver(invoiceMsg)
	if err := taker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync taker : %s", err)
	}

	after, err := taker.manager.GetThread(handle.ThreadID())
	if err != nil {
		t.Fatalf("Failed to get thread : %s", err)
	}

	if !reflect.DeepEqual(before, after) {
		t.Errorf("Redelivery changed thread : %v", deep.Equal(before, after))
	}

	if len(bus.pendingFor("k_t")) != 0 {
		t.Errorf("Redelivered message was not acknowledged")
	}
}

func Test_PersistenceRoundTrip(t *testing.T) {
	ctx := testContext()
	bus := newTestBus()

	var savedLock sync.Mutex
	var saved *PersistedState

	save := func(ctx context.Context, state *PersistedState) error {
		savedLock.Lock()
		defer savedLock.Unlock()
		saved = state
		return nil
	}

	taker := newTestPeer(t, ctx, bus, "k_t", peerConfig{save: save})
	maker := newTestPeer(t, ctx, bus, "k_m", peerConfig{})

	if _, err := maker.manager.SendInvoice(ctx, "k_t", InvoiceInput{
		Total:         mustAmount(t, "1000 bsv:sat"),
		InvoiceNumber: "INV-1",
	}); err != nil {
		t.Fatalf("Failed to send invoice : %s", err)
	}
	if err := taker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync taker : %s", err)
	}

	savedLock.Lock()
	state := saved
	savedLock.Unlock()
	if state == nil {
		t.Fatalf("State was never saved")
	}

	load := func(ctx context.Context) (*PersistedState, error) {
		return state, nil
	}

	restored := newTestPeer(t, ctx, bus, "k_t", peerConfig{load: load})

	originalThreads, err := taker.manager.Threads()
	if err != nil {
		t.Fatalf("Failed to list threads : %s", err)
	}
	restoredThreads, err := restored.manager.Threads()
	if err != nil {
		t.Fatalf("Failed to list threads : %s", err)
	}

	if !reflect.DeepEqual(originalThreads, restoredThreads) {
		t.Errorf("Restored threads don't match : %v",
			deep.Equal(originalThreads, restoredThreads))
	}

	assertConsistent(t, restored.manager)
}

func Test_Persistence_VersionMismatch(t *testing.T) {
	ctx := testContext()
	bus := newTestBus()

	load := func(ctx context.Context) (*PersistedState, error) {
		return &PersistedState{V: 2}, nil
	}

	_, err := NewRemittanceManager(ctx, Config{
		Comms:     bus.endpoint("k_t"),
		Wallet:    testWallet{key: "k_t"},
		LoadState: load,
	})
	if errors.Cause(err) != ErrUnsupportedVersion {
		t.Fatalf("Wrong error : got %v, want %v", err, ErrUnsupportedVersion)
	}
}

func Test_InvalidTransition_ReceiptOnNewThread(t *testing.T) {
	ctx := testContext()
	bus := newTestBus()

	taker := newTestPeer(t, ctx, bus, "k_t", peerConfig{})

	var eventsLock sync.Mutex
	var errorEvents []Event
	taker.manager.RegisterListener(EventTypeError, func(event Event) {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		errorEvents = append(errorEvents, event)
	})

	receipt := &remittance.Receipt{
		ThreadID: "thread_x",
		ModuleID: "M",
		Payee:    "k_m",
		Payer:    "k_t",
	}
	env, err := remittance.NewEnvelope(remittance.EnvelopeKindReceipt, "envelope_x",
		"thread_x", remittance.Now(), receipt)
	if err != nil {
		t.Fatalf("Failed to create envelope : %s", err)
	}
	body, err := env.Serialize()
	if err != nil {
		t.Fatalf("Failed to serialize envelope : %s", err)
	}

	bus.inject("k_m", "k_t", body)
	if err := taker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync taker : %s", err)
	}

	record, err := taker.manager.GetThread("thread_x")
	if err != nil {
		t.Fatalf("Failed to get thread : %s", err)
	}

	if record.State != thread.StateErrored {
		t.Errorf("Wrong state : got %s, want errored", record.State)
	}
	if record.LastError == nil || len(record.LastError.Message) == 0 {
		t.Errorf("Missing last error")
	}

	// Failed messages stay unacknowledged so the transport may redeliver.
	if len(bus.pendingFor("k_t")) != 1 {
		t.Errorf("Failed message was acknowledged")
	}

	eventsLock.Lock()
	defer eventsLock.Unlock()
	if len(errorEvents) != 1 {
		t.Errorf("Wrong error event count : got %d, want 1", len(errorEvents))
	}
}

func Test_MonotoneInvoice(t *testing.T) {
	ctx := testContext()
	bus := newTestBus()

	maker := newTestPeer(t, ctx, bus, "k_m", peerConfig{})
	taker := newTestPeer(t, ctx, bus, "k_t", peerConfig{})

	handle, err := maker.manager.SendInvoice(ctx, "k_t", InvoiceInput{
		Total:         mustAmount(t, "1000 bsv:sat"),
		InvoiceNumber: "INV-1",
	})
	if err != nil {
		t.Fatalf("Failed to send invoice : %s", err)
	}
	if err := taker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync taker : %s", err)
	}

	// A second invoice envelope on the same thread is a protocol error.
	env, err := remittance.NewEnvelope(remittance.EnvelopeKindInvoice, "envelope_dup",
		handle.ThreadID(), remittance.Now(), &remittance.Invoice{InvoiceNumber: "INV-2"})
	if err != nil {
		t.Fatalf("Failed to create envelope : %s", err)
	}
	body, err := env.Serialize()
	if err != nil {
		t.Fatalf("Failed to serialize envelope : %s", err)
	}
	bus.inject("k_m", "k_t", body)

	if err := taker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync taker : %s", err)
	}

	record, err := taker.manager.GetThread(handle.ThreadID())
	if err != nil {
		t.Fatalf("Failed to get thread : %s", err)
	}

	if record.Invoice.InvoiceNumber != "INV-1" {
		t.Errorf("Invoice was replaced : got %s", record.Invoice.InvoiceNumber)
	}
	if record.State != thread.StateErrored {
		t.Errorf("Wrong state : got %s, want errored", record.State)
	}
}

func Test_NoCrossThreadLeakage(t *testing.T) {
	ctx := testContext()
	bus := newTestBus()

	maker := newTestPeer(t, ctx, bus, "k_m", peerConfig{})
	taker := newTestPeer(t, ctx, bus, "k_t", peerConfig{})

	handleA, err := maker.manager.SendInvoice(ctx, "k_t", InvoiceInput{
		Total:         mustAmount(t, "1000 bsv:sat"),
		InvoiceNumber: "INV-A",
	})
	if err != nil {
		t.Fatalf("Failed to send invoice : %s", err)
	}
	handleB, err := maker.manager.SendInvoice(ctx, "k_t", InvoiceInput{
		Total:         mustAmount(t, "2000 bsv:sat"),
		InvoiceNumber: "INV-B",
	})
	if err != nil {
		t.Fatalf("Failed to send invoice : %s", err)
	}

	if err := taker.manager.SyncThreads(ctx, ""); err != nil {
		t.Fatalf("Failed to sync taker : %s", err)
	}

	threadA, err := taker.manager.GetThread(handleA.ThreadID())
	if err != nil {
		t.Fatalf("Failed to get thread : %s", err)
	}
	threadB, err := taker.manager.GetThread(handleB.ThreadID())
	if err != nil {
		t.Fatalf("Failed to get thread : %s", err)
	}

	if threadA.Invoice.InvoiceNumber != "INV-A" || threadB.Invoice.InvoiceNumber != "INV-B" {
		t.Errorf("Thread invoices crossed : %s, %s", threadA.Invoice.InvoiceNumber,
			threadB.Invoice.InvoiceNumber)
	}
	if threadA.ThreadID == threadB.ThreadID {
		t.Errorf("Thread ids collided")
	}
}

func Test_DefaultPaymentOption_Persisted(t *testing.T) {
	ctx := testContext()
	bus := newTestBus()

	var savedLock sync.Mutex
	var saved *PersistedState
	save := func(ctx context.Context, state *PersistedState) error {
		savedLock.Lock()
		defer savedLock.Unlock()
		saved = state
		return nil
	}

	taker := newTestPeer(t, ctx, bus, "k_t", peerConfig{save: save})

	if err := taker.manager.SetDefaultPaymentOption(ctx, "M"); err != nil {
		t.Fatalf("Failed to set default payment option : %s", err)
	}

	savedLock.Lock()
	state := saved
	savedLock.Unlock()
	if state == nil || state.DefaultPaymentOptionID != "M" {
		t.Fatalf("Default payment option not persisted : %+v", state)
	}

	buf := &bytes.Buffer{}
	if err := state.Serialize(buf); err != nil {
		t.Fatalf("Failed to serialize state : %s", err)
	}

	read := &PersistedState{}
	if err := json.Unmarshal(buf.Bytes(), read); err != nil {
		t.Fatalf("Failed to unmarshal state : %s", err)
	}
	if read.DefaultPaymentOptionID != "M" {
		t.Fatalf("Wrong default payment option : got %s, want M", read.DefaultPaymentOptionID)
	}
}
