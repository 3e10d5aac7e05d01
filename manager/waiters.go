package manager

import (
	"context"
	"time"

	"github.com/tokenized/remittance/thread"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
)

type waiterResult struct {
	state thread.State
	err   error
}

// stateWaiter waits for a thread to reach one of its target states. Reaching a terminal state
// that is not a target rejects the waiter.
type stateWaiter struct {
	threadID string
	targets  []thread.State
	result   chan waiterResult // buffered to prevent locking
}

func newStateWaiter(threadID string, targets []thread.State) *stateWaiter {
	return &stateWaiter{
		threadID: threadID,
		targets:  targets,
		result:   make(chan waiterResult, 1),
	}
}

func (w *stateWaiter) isTarget(state thread.State) bool {
	for _, target := range w.targets {
		if target == state {
			return true
		}
	}

	return false
}

// wakeWaiters resolves waiters matching the thread's current state and rejects the rest when the
// state is terminal. Must be called with the engine lock held.
func (m *RemittanceManager) wakeWaiters(t *thread.Thread) {
	pending := m.waiters[t.ThreadID]
	if len(pending) == 0 {
		return
	}

	var remaining []*stateWaiter
	for _, waiter := range pending {
		if waiter.isTarget(t.State) {
			waiter.result <- waiterResult{state: t.State}
			continue
		}

		if t.State.IsTerminal() {
			waiter.result <- waiterResult{
				err: errors.Wrap(ErrTerminalState, t.State.String()),
			}
			continue
		}

		remaining = append(remaining, waiter)
	}

	if len(remaining) == 0 {
		delete(m.waiters, t.ThreadID)
	} else {
		m.waiters[t.ThreadID] = remaining
	}
}

// removeWaiter drops a waiter that timed out.
func (m *RemittanceManager) removeWaiter(waiter *stateWaiter) {
	m.lock.Lock()
	defer m.lock.Unlock()

	pending := m.waiters[waiter.threadID]
	for i, w := range pending {
		if w == waiter {
			m.waiters[waiter.threadID] = append(pending[:i], pending[i+1:]...)
			break
		}
	}

	if len(m.waiters[waiter.threadID]) == 0 {
		delete(m.waiters, waiter.threadID)
	}
}

// waitForState blocks until the thread reaches one of the target states, the timeout expires, or
// the thread becomes terminal. When poll is true it also drives SyncThreads at the poll
// interval, which is what moves store-and-forward transports forward while waiting.
func (m *RemittanceManager) waitForState(ctx context.Context, threadID string,
	targets []thread.State, timeout, pollInterval time.Duration,
	poll bool) (thread.State, error) {

	m.lock.Lock()
	t, exists := m.threads[threadID]
	if !exists {
		m.lock.Unlock()
		return thread.StateInvalid, errors.Wrap(ErrUnknownThread, threadID)
	}

	waiter := newStateWaiter(threadID, targets)
	if waiter.isTarget(t.State) {
		m.lock.Unlock()
		return t.State, nil
	}
	if t.State.IsTerminal() {
		state := t.State
		m.lock.Unlock()
		return state, errors.Wrap(ErrTerminalState, state.String())
	}

	m.waiters[threadID] = append(m.waiters[threadID], waiter)
	m.lock.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case result := <-waiter.result:
			return result.state, result.err

		case <-ticker.C:
			if !poll {
				continue
			}

			if err := m.SyncThreads(ctx, ""); err != nil {
				logger.Warn(ctx, "Failed to sync threads while waiting : %s", err)
			}

			// The sync may have resolved the waiter.
			select {
			case result := <-waiter.result:
				return result.state, result.err
			default:
			}

		case <-deadline.C:
			m.removeWaiter(waiter)

			// A resolution may have raced the timeout.
			select {
			case result := <-waiter.result:
				return result.state, result.err
			default:
			}

			return thread.StateInvalid, errors.Wrap(ErrTimeout, timeout.String())

		case <-ctx.Done():
			m.removeWaiter(waiter)
			return thread.StateInvalid, ctx.Err()
		}
	}
}
