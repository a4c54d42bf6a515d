package transport

import "fmt"

// State is the lifecycle position of a Session.
type State int32

// Session states. Closed and Faulted are terminal.
const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosing
	StateClosed
	StateFaulted
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateStreaming:  "streaming",
	StateClosing:    "closing",
	StateClosed:     "closed",
	StateFaulted:    "faulted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// canTransition lists the legal forward edges. Faulted is reachable from
// every non-terminal state.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFaulted {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateConnecting || to == StateClosing
	case StateConnecting:
		return to == StateStreaming || to == StateClosing
	case StateStreaming:
		return to == StateClosing
	case StateClosing:
		return to == StateClosed
	}
	return false
}
