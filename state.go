package serial

import "fmt"

// State is the lifecycle state of a session.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateConnected
	StateStarted
	StateStopped
	StateDisconnected
	StateFailed
	StateDeinitialized
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateInitialized:   "initialized",
	StateConnected:     "connected",
	StateStarted:       "started",
	StateStopped:       "stopped",
	StateDisconnected:  "disconnected",
	StateFailed:        "failed",
	StateDeinitialized: "deinitialized",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Open reports whether a session in this state owns an open descriptor.
func (s State) Open() bool {
	return s == StateConnected || s == StateStarted || s == StateStopped
}

type operation int

const (
	opConnect operation = iota
	opStart
	opStop
	opRead
	opWrite
	opDisconnect
	opSetConfig
)

var opNames = [...]string{
	opConnect:    "connect",
	opStart:      "start",
	opStop:       "stop",
	opRead:       "read",
	opWrite:      "write",
	opDisconnect: "disconnect",
	opSetConfig:  "set configuration",
}

func (o operation) String() string { return opNames[o] }

// permitted lists the states each operation may start from. Deinit is absent
// because it is accepted in every state.
var permitted = map[operation][]State{
	opConnect:    {StateInitialized, StateDisconnected},
	opStart:      {StateConnected, StateStopped},
	opStop:       {StateStarted},
	opRead:       {StateConnected, StateStarted},
	opWrite:      {StateConnected, StateStarted},
	opDisconnect: {StateConnected, StateStopped},
	opSetConfig:  {StateInitialized, StateConnected, StateStarted, StateStopped, StateDisconnected},
}

func (s State) permits(op operation) bool {
	for _, from := range permitted[op] {
		if from == s {
			return true
		}
	}
	return false
}

// gate returns nil when op may run in state s. A session already torn down
// is reported as an invalid handle, the same as one that never existed.
func (s State) gate(op operation) error {
	if s == StateDeinitialized || s == StateUninitialized {
		return ErrInvalidHandle
	}
	if !s.permits(op) {
		return fmt.Errorf("%w: %s while %s", ErrIllegalState, op, s)
	}
	return nil
}
