package conn

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// event drives the lifecycle. Every state change goes through machine.fire.
type event int

const (
	evDial       event = iota // start the single in-flight attempt
	evReady                   // ping answered
	evDialFailed              // attempt failed with a transient error
	evLost                    // transient fault on a ready connection
	evFatal                   // exhaustion/configuration fault; redial held
	evClose                   // graceful shutdown requested
	evClosed                  // shutdown finished
)

func (e event) String() string {
	switch e {
	case evDial:
		return "dial"
	case evReady:
		return "ready"
	case evDialFailed:
		return "dial_failed"
	case evLost:
		return "lost"
	case evFatal:
		return "fatal"
	case evClose:
		return "close"
	case evClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State]map[event]State{
	StateDisconnected: {
		evDial:  StateConnecting,
		evFatal: StateDisconnected,
		evClose: StateClosing,
	},
	StateConnecting: {
		evReady:      StateReady,
		evDialFailed: StateDisconnected,
		evFatal:      StateDisconnected,
		evClose:      StateClosing,
	},
	StateReady: {
		evLost:  StateDisconnected,
		evFatal: StateDisconnected,
		evClose: StateClosing,
	},
	StateClosing: {
		evClosed: StateDisconnected,
	},
}

type machine struct {
	state State
}

// fire applies ev. ok is false, and the state unchanged, when ev is not valid
// in the current state.
func (m *machine) fire(ev event) (from, to State, ok bool) {
	from = m.state
	to, ok = transitions[from][ev]
	if !ok {
		return from, from, false
	}
	m.state = to
	return from, to, true
}
