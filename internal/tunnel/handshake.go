package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/matst80/backhaul/internal/proto"
)

const (
	protocolVersion = "0.1"
	clientUser      = "backhaul_client"
)

func newAuthRequest(cfg Config, hostname string, now time.Time) proto.AuthRequest {
	return proto.AuthRequest{
		Version:      protocolVersion,
		Hostname:     hostname,
		User:         clientUser,
		PrivilegeKey: cfg.Token,
		Timestamp:    float64(now.UnixNano()) / 1e9,
		RunID:        1000 + rand.Intn(9000),
	}
}

func newProxyCreate(cfg Config) proto.ProxyCreate {
	return proto.ProxyCreate{
		ProxyName:      cfg.TunnelName,
		ProxyType:      cfg.Protocol,
		UseEncryption:  cfg.UseEncryption,
		UseCompression: cfg.UseCompression,
	}
}

// authenticate sends AUTH_REQUEST and requires AUTH_OK as the very next frame.
func (s *session) authenticate() error {
	req := newAuthRequest(s.sup.cfg, s.sup.opts.Hostname, time.Now())
	if err := s.sendJSON(proto.AuthRequestType, req); err != nil {
		return fmt.Errorf("%w: send auth request: %v", ErrAuth, err)
	}
	f, err := s.awaitReply()
	if err != nil {
		return fmt.Errorf("%w: awaiting auth reply: %w", ErrAuth, err)
	}
	if f.Type != proto.AuthOKType {
		return fmt.Errorf("%w: relay answered %s", ErrAuth, f.Type)
	}
	return nil
}

// register sends PROXY_CREATE and requires PROXY_CREATED as the very next frame.
func (s *session) register() error {
	if err := s.sendJSON(proto.ProxyCreateType, newProxyCreate(s.sup.cfg)); err != nil {
		return fmt.Errorf("%w: send proxy create: %v", ErrRegistration, err)
	}
	f, err := s.awaitReply()
	if err != nil {
		return fmt.Errorf("%w: awaiting proxy reply: %w", ErrRegistration, err)
	}
	if f.Type != proto.ProxyCreatedType {
		return fmt.Errorf("%w: relay answered %s for proxy %q", ErrRegistration, f.Type, s.sup.cfg.TunnelName)
	}
	return nil
}

func (s *session) awaitReply() (proto.Frame, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.sup.opts.HandshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})
	f, err := s.dec.Next()
	if err != nil {
		if errors.Is(err, proto.ErrShortRead) || errors.Is(err, proto.ErrFrameTooLarge) {
			return f, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return f, err
	}
	return f, nil
}

func (s *session) sendJSON(t proto.MsgType, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", t, err)
	}
	return s.send(t, b)
}
