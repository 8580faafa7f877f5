package escrow

import "fmt"

// State is the lifecycle position of a transaction.
type State uint8

const (
	StatePending State = iota
	StateApproved
	StateCompleted
	StateCancelled
	StateRefunded
	StateExpired
	StateDisputed
	StateResolved
	StateFrozen
)

var stateNames = [...]string{
	StatePending:   "pending",
	StateApproved:  "approved",
	StateCompleted: "completed",
	StateCancelled: "cancelled",
	StateRefunded:  "refunded",
	StateExpired:   "expired",
	StateDisputed:  "disputed",
	StateResolved:  "resolved",
	StateFrozen:    "frozen",
}

// States lists every state in declaration order.
var States = []State{
	StatePending, StateApproved, StateCompleted, StateCancelled, StateRefunded,
	StateExpired, StateDisputed, StateResolved, StateFrozen,
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

// IsTerminal reports whether no further transition applies to s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateRefunded, StateExpired, StateResolved, StateFrozen:
		return true
	}
	return false
}

// Locked reports whether funds of a record in state s are held by the
// custodian and still owed to a counterparty.
func (s State) Locked() bool {
	switch s {
	case StatePending, StateApproved, StateDisputed:
		return true
	}
	return false
}

// ParseState converts a state name to a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
