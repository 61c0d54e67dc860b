package gmail

import "fmt"

// State is the connection state of a Session.
type State int

const (
	// StateDisconnected means no socket is open. A session in this state can
	// still be connected, unless it is final.
	StateDisconnected State = iota
	StateConnecting
	// StateConnected means the greeting was accepted but the client has not
	// authenticated yet.
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateSelected
	// StateClosed is the final disconnected state reached after logout or a
	// fatal error. It never changes again.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Connected reports whether a socket is open in this state.
func (s State) Connected() bool {
	return s >= StateConnected && s <= StateSelected
}

// transitions lists the states reachable from each state. Every state may
// also move to StateClosed.
var transitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateConnected, StateAuthenticated, StateDisconnected},
	StateConnected:      {StateAuthenticating, StateAuthenticated},
	StateAuthenticating: {StateAuthenticated, StateConnected},
	StateAuthenticated:  {StateSelected, StateAuthenticated},
	StateSelected:       {StateSelected, StateAuthenticated},
}

// canTransition reports whether the state machine allows from -> to.
func canTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validateTransition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("gmail: invalid state transition from %s to %s", from, to)
	}
	return nil
}
