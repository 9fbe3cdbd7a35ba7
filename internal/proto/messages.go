package proto

import (
	"encoding/binary"
	"fmt"
)

// AuthRequest is the first frame a client sends on the control connection.
type AuthRequest struct {
	Version      string  `json:"version"`
	Hostname     string  `json:"hostname"`
	User         string  `json:"user"`
	PrivilegeKey string  `json:"privilege_key"`
	Timestamp    float64 `json:"timestamp"`
	RunID        int     `json:"run_id"`
}

// ProxyCreate asks the relay to expose a named proxy for this client.
// UseEncryption and UseCompression are requests only: no cipher or codec is
// applied to forwarded bytes by either side of this protocol.
type ProxyCreate struct {
	ProxyName      string `json:"proxy_name"`
	ProxyType      string `json:"proxy_type"`
	UseEncryption  bool   `json:"use_encryption"`
	UseCompression bool   `json:"use_compression"`
}

// ConnAccept client -> relay reply to a NEW_CONNECTION whose local dial succeeded.
type ConnAccept struct {
	ConnID uint32 `json:"conn_id"`
}

// ConnRefused client -> relay reply to a NEW_CONNECTION whose local dial failed.
type ConnRefused struct {
	Error string `json:"error"`
}

// EncodeConnData builds a CONN_DATA payload: 4 byte connection id followed by raw bytes.
func EncodeConnData(id uint32, data []byte) []byte {
	b := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(b[:4], id)
	copy(b[4:], data)
	return b
}

// DecodeConnData splits a CONN_DATA payload. The returned slice aliases payload.
func DecodeConnData(payload []byte) (uint32, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("conn data payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[:4]), payload[4:], nil
}

// EncodeConnClose builds a CONN_CLOSE payload.
func EncodeConnClose(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

// DecodeConnClose parses a CONN_CLOSE payload.
func DecodeConnClose(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("conn close payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}
