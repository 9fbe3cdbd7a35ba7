package tunnel

import (
	"fmt"
	"time"
)

// State is the lifecycle position of the current session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateRegistering
	StateServing
	StateClosed
)

var stateNames = [...]string{"idle", "connecting", "authenticating", "registering", "serving", "closed"}

// States lists every state, in lifecycle order.
var States = []State{StateIdle, StateConnecting, StateAuthenticating, StateRegistering, StateServing, StateClosed}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Status is a point-in-time view of the tunnel, suitable for status pages.
type Status struct {
	Tunnel      string    `json:"tunnel"`
	Relay       string    `json:"relay"`
	SessionID   string    `json:"session_id,omitempty"`
	State       State     `json:"state"`
	ActiveConns int       `json:"active_conns"`
	TotalConns  uint32    `json:"total_conns"`
	Attempt     int       `json:"attempt"`
	LastError   string    `json:"last_error,omitempty"`
	RetryAt     time.Time `json:"retry_at,omitzero"`
	Stopped     bool      `json:"stopped"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Hooks are optional callbacks fired by the supervisor. OnState calls are
// serialized and delivered in order; the others may run concurrently from
// forwarding goroutines.
type Hooks struct {
	OnState      func(st Status)
	OnConnOpened func(id uint32)
	OnConnClosed func(id uint32, sent, received int64)
	OnError      func(err error)
}
