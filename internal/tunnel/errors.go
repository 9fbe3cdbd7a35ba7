package tunnel

import (
	"errors"
	"fmt"
)

// Session-ending errors. The supervisor retries after any of them.
var (
	ErrConnect      = errors.New("relay connect failed")
	ErrAuth         = errors.New("authentication rejected")
	ErrRegistration = errors.New("proxy registration rejected")
	ErrProtocol     = errors.New("protocol error")
	ErrControlLost  = errors.New("control channel lost")
)

// Per-connection errors. They are reported but never end the session.
var (
	ErrLocalDial = errors.New("local dial failed")
	ErrIO        = errors.New("forwarding i/o error")
)

var errConnIDsExhausted = errors.New("connection ids exhausted")

// Kind returns a short label for err suitable for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConnect):
		return "connect"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRegistration):
		return "registration"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrControlLost):
		return "control_lost"
	case errors.Is(err, ErrLocalDial):
		return "local_dial"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "other"
	}
}

func wrapIO(op string, err error) error {
	if errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
