package manager

import (
	"context"
	"time"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/thread"
)

// ThreadHandle references a thread through the engine by id only, so handles stay valid across
// persistence round trips.
type ThreadHandle struct {
	manager  *RemittanceManager
	threadID string
}

func (h ThreadHandle) ThreadID() string {
	return h.threadID
}

// Thread returns an isolated copy of the current thread record.
func (h ThreadHandle) Thread() (*thread.Thread, error) {
	return h.manager.GetThread(h.threadID)
}

// WaitForState blocks until the thread reaches the target state, polling the transport while
// waiting.
func (h ThreadHandle) WaitForState(ctx context.Context, target thread.State,
	timeout time.Duration) (thread.State, error) {

	return h.manager.waitForState(ctx, h.threadID, []thread.State{target}, timeout,
		h.manager.options.PayPollInterval, true)
}

// InvoiceHandle references a thread on which we issued an invoice.
type InvoiceHandle struct {
	ThreadHandle
}

// WaitForSettlement blocks until the counterparty settles the invoice.
func (h InvoiceHandle) WaitForSettlement(ctx context.Context,
	timeout time.Duration) (*remittance.Settlement, error) {

	_, err := h.manager.waitForState(ctx, h.threadID,
		[]thread.State{thread.StateSettled, thread.StateReceipted}, timeout,
		h.manager.options.PayPollInterval, true)
	if err != nil {
		return nil, err
	}

	t, err := h.manager.GetThread(h.threadID)
	if err != nil {
		return nil, err
	}

	return t.Settlement, nil
}
