package session

import "fmt"

// State is a session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticating
	Authenticated
	Transferring
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Transferring:
		return "transferring"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal edges of the lifecycle.
var transitions = map[State][]State{
	Disconnected:   {Connecting},
	Connecting:     {Connected, Failed},
	Connected:      {Authenticating, Authenticated, Failed, Disconnecting},
	Authenticating: {Authenticated, Failed, Disconnecting},
	Authenticated:  {Transferring, Failed, Disconnecting},
	Transferring:   {Authenticated, Failed, Disconnecting},
	Failed:         {Disconnecting},
	Disconnecting:  {Disconnected},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// live reports whether the link may carry GATT traffic in s.
func (s State) live() bool {
	switch s {
	case Connected, Authenticating, Authenticated, Transferring:
		return true
	}
	return false
}
