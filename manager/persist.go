package manager

import (
	"context"
	"encoding/json"
	"io"

	"github.com/tokenized/remittance/thread"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
)

// StateVersion is the persisted state format version. A mismatch on load fails fast.
const StateVersion = uint8(1)

// PersistedState is the full engine snapshot handed to the state saver and taken from the state
// loader. The saver always receives an isolated deep copy.
type PersistedState struct {
	V                      uint8            `json:"v"`
	Threads                []*thread.Thread `json:"threads"`
	DefaultPaymentOptionID string           `json:"default_payment_option_id,omitempty"`
}

// StateLoader is called once during initialization. A nil state means nothing persisted yet.
type StateLoader func(ctx context.Context) (*PersistedState, error)

// StateSaver is called after any state-changing operation completes. The engine does not mutate
// the snapshotted threads until the saver returns.
type StateSaver func(ctx context.Context, state *PersistedState) error

func (s PersistedState) Serialize(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(s); err != nil {
		return errors.Wrap(err, "encode")
	}

	return nil
}

func (s *PersistedState) Deserialize(r io.Reader) error {
	if err := json.NewDecoder(r).Decode(s); err != nil {
		return errors.Wrap(err, "decode")
	}

	return nil
}

// snapshot builds a deep copy of the engine state. Must be called with the engine lock held.
func (m *RemittanceManager) snapshot() (*PersistedState, error) {
	result := &PersistedState{
		V:                      StateVersion,
		Threads:                make([]*thread.Thread, 0, len(m.threads)),
		DefaultPaymentOptionID: m.defaultPaymentOptionID,
	}

	for _, id := range m.threadOrder {
		copied, err := m.threads[id].Copy()
		if err != nil {
			return nil, errors.Wrapf(err, "copy thread %s", id)
		}
		result.Threads = append(result.Threads, copied)
	}

	return result, nil
}

// persist offers the current snapshot to the state saver. Must be called with the engine lock
// held, after the mutation it is persisting.
func (m *RemittanceManager) persist(ctx context.Context) error {
	if m.config.SaveState == nil {
		return nil
	}

	state, err := m.snapshot()
	if err != nil {
		return errors.Wrap(err, "snapshot")
	}

	if err := m.config.SaveState(ctx, state); err != nil {
		return errors.Wrap(err, "save state")
	}

	return nil
}

// restore loads persisted threads into the engine. States missing from older records are derived
// from the thread fields; present states are validated against the derivation.
func (m *RemittanceManager) restore(ctx context.Context) error {
	if m.config.LoadState == nil {
		return nil
	}

	state, err := m.config.LoadState(ctx)
	if err != nil {
		return errors.Wrap(err, "load state")
	}
	if state == nil {
		return nil
	}

	if state.V != StateVersion {
		return errors.Wrapf(ErrUnsupportedVersion, "%d", state.V)
	}

	for _, t := range state.Threads {
		derived := t.DeriveState()
		if t.State == thread.StateInvalid {
			t.State = derived
		} else if t.State != derived {
			return errors.Wrapf(ErrStateMismatch, "thread %s: stored %s, derived %s",
				t.ThreadID, t.State, derived)
		}

		m.threads[t.ThreadID] = t
		m.threadOrder = append(m.threadOrder, t.ThreadID)
	}

	if len(state.DefaultPaymentOptionID) > 0 {
		m.defaultPaymentOptionID = state.DefaultPaymentOptionID
	}

	logger.InfoWithFields(ctx, []logger.Field{
		logger.Int("thread_count", len(state.Threads)),
	}, "Restored remittance threads")

	return nil
}
