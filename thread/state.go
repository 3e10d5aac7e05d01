package thread

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	StateInvalid              = State(0)
	StateNew                  = State(1)
	StateIdentityRequested    = State(2)
	StateIdentityResponded    = State(3)
	StateIdentityAcknowledged = State(4)
	StateInvoiced             = State(5)
	StateSettled              = State(6)
	StateReceipted            = State(7)
	StateTerminated           = State(8)
	StateErrored              = State(9)
)

var (
	ErrInvalidTransition = errors.New("Invalid Transition")

	// allowedTransitions is the full transition table. Any pair not listed here is invalid and
	// the engine routes the thread to errored.
	allowedTransitions = map[State][]State{
		StateNew: {
			StateIdentityRequested, StateIdentityResponded, StateInvoiced, StateSettled,
			StateReceipted, StateTerminated, StateErrored,
		},
		StateIdentityRequested: {
			StateIdentityResponded, StateIdentityAcknowledged, StateTerminated, StateErrored,
		},
		StateIdentityResponded: {
			StateIdentityAcknowledged, StateInvoiced, StateTerminated, StateErrored,
		},
		StateIdentityAcknowledged: {
			StateInvoiced, StateSettled, StateTerminated, StateErrored,
		},
		StateInvoiced:   {StateSettled, StateTerminated, StateErrored},
		StateSettled:    {StateReceipted, StateTerminated, StateErrored},
		StateReceipted:  {StateTerminated, StateErrored},
		StateTerminated: {},
		StateErrored:    {},
	}
)

// State is the lifecycle position of a thread.
type State uint8

func (v State) IsTerminal() bool {
	return v == StateTerminated || v == StateErrored
}

func (v State) CanTransitionTo(to State) bool {
	for _, allowed := range allowedTransitions[v] {
		if allowed == to {
			return true
		}
	}

	return false
}

func (v *State) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("Too short for State : %d", len(data))
	}

	return v.SetString(string(data[1 : len(data)-1]))
}

func (v State) MarshalJSON() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return []byte("null"), nil
	}

	return []byte(fmt.Sprintf("\"%s\"", s)), nil
}

func (v State) MarshalText() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return nil, fmt.Errorf("Unknown State value \"%d\"", uint8(v))
	}

	return []byte(s), nil
}

func (v *State) UnmarshalText(text []byte) error {
	return v.SetString(string(text))
}

func (v *State) SetString(s string) error {
	switch s {
	case "new":
		*v = StateNew
	case "identity_requested":
		*v = StateIdentityRequested
	case "identity_responded":
		*v = StateIdentityResponded
	case "identity_acknowledged":
		*v = StateIdentityAcknowledged
	case "invoiced":
		*v = StateInvoiced
	case "settled":
		*v = StateSettled
	case "receipted":
		*v = StateReceipted
	case "terminated":
		*v = StateTerminated
	case "errored":
		*v = StateErrored
	default:
		*v = StateInvalid
		return fmt.Errorf("Unknown State value \"%s\"", s)
	}

	return nil
}

func (v State) String() string {
	switch v {
	case StateNew:
		return "new"
	case StateIdentityRequested:
		return "identity_requested"
	case StateIdentityResponded:
		return "identity_responded"
	case StateIdentityAcknowledged:
		return "identity_acknowledged"
	case StateInvoiced:
		return "invoiced"
	case StateSettled:
		return "settled"
	case StateReceipted:
		return "receipted"
	case StateTerminated:
		return "terminated"
	case StateErrored:
		return "errored"
	default:
		return ""
	}
}
