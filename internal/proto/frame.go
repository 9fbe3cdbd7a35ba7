// Package proto defines the control channel wire format shared with the relay:
// a 5 byte big-endian header (1 byte message type, 4 byte payload length)
// followed by the payload.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// HeaderSize is the fixed frame header length.
const HeaderSize = 5

// MaxPayload bounds the payload a Decoder accepts unless told otherwise.
const MaxPayload = 16 << 20

// MsgType identifies the kind of a frame.
type MsgType uint8

const (
	AuthRequestType   MsgType = 1
	AuthOKType        MsgType = 2
	ProxyCreateType   MsgType = 3
	ProxyCreatedType  MsgType = 4
	NewConnectionType MsgType = 5

	// Payload path. Replies and data for connections opened by NEW_CONNECTION.
	ConnAcceptType  MsgType = 6
	ConnRefusedType MsgType = 7
	ConnDataType    MsgType = 8
	ConnCloseType   MsgType = 9
)

var msgNames = map[MsgType]string{
	AuthRequestType:   "auth_request",
	AuthOKType:        "auth_ok",
	ProxyCreateType:   "proxy_create",
	ProxyCreatedType:  "proxy_created",
	NewConnectionType: "new_connection",
	ConnAcceptType:    "conn_accept",
	ConnRefusedType:   "conn_refused",
	ConnDataType:      "conn_data",
	ConnCloseType:     "conn_close",
}

func (t MsgType) String() string {
	if n, ok := msgNames[t]; ok {
		return n
	}
	return "unknown_" + strconv.Itoa(int(t))
}

// Known reports whether t is a message type this package defines.
func (t MsgType) Known() bool {
	_, ok := msgNames[t]
	return ok
}

// Frame is one message on the control channel.
type Frame struct {
	Type    MsgType
	Payload []byte
}

var (
	// ErrClosed is returned when the peer closes the stream. Errors for a close
	// in the middle of a frame also match it.
	ErrClosed = errors.New("connection closed")
	// ErrShortRead is returned when the peer closes part way through a frame.
	ErrShortRead = fmt.Errorf("%w: short read", ErrClosed)
	// ErrFrameTooLarge is returned when a header declares more payload than allowed.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Encode returns the wire form of a frame.
func Encode(t MsgType, payload []byte) []byte {
	b := make([]byte, HeaderSize+len(payload))
	b[0] = byte(t)
	binary.BigEndian.PutUint32(b[1:HeaderSize], uint32(len(payload)))
	copy(b[HeaderSize:], payload)
	return b
}

// WriteFrame writes a whole frame with a single Write call so concurrent
// writers serialized by the caller never interleave inside a frame.
func WriteFrame(w io.Writer, t MsgType, payload []byte) error {
	_, err := w.Write(Encode(t, payload))
	return err
}

// ReadFrame blocks until one full frame has been read from r. Use a Decoder
// when reads can time out and must be resumed.
func ReadFrame(r io.Reader) (Frame, error) {
	return NewDecoder(r, MaxPayload).Next()
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
