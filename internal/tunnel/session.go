package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
)

// session is one connect, authenticate, register, serve attempt. It owns a
// single control connection and every forwarded connection opened over it.
type session struct {
	id  string
	sup *Supervisor

	conn net.Conn
	dec  *proto.Decoder
	wmu  sync.Mutex // serializes every write on conn

	mu     sync.Mutex
	conns  map[uint32]*connHandle
	closed bool
	wg     sync.WaitGroup

	closeOnce sync.Once
	served    bool
}

func newSession(sup *Supervisor) *session {
	return &session{
		id:    uuid.NewString(),
		sup:   sup,
		conns: make(map[uint32]*connHandle),
	}
}

func (s *session) setState(st State) {
	s.sup.update(func(status *Status) {
		status.State = st
		status.SessionID = s.id
		if st == StateServing {
			status.Attempt = 0
			status.LastError = ""
			status.RetryAt = time.Time{}
		}
	})
}

// run drives the session to StateClosed and returns why it ended. A nil
// error means ctx was cancelled.
func (s *session) run(ctx context.Context) error {
	defer func() {
		s.close()
		s.setState(StateClosed)
	}()

	cfg := s.sup.cfg
	opts := s.sup.opts
	s.setState(StateConnecting)
	obs.Info("session.connecting", obs.Fields{"session": s.id, "relay": cfg.RelayAddr()})
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	conn, err := opts.DialRelay(dialCtx, "tcp", cfg.RelayAddr())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrConnect, cfg.RelayAddr(), err)
	}
	tuneControlConn(conn)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.dec = proto.NewDecoder(conn, opts.MaxPayload)

	// Unblock handshake reads on shutdown; the serve loop polls instead.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	s.setState(StateAuthenticating)
	if err := s.authenticate(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	obs.Info("session.authenticated", obs.Fields{"session": s.id})

	s.setState(StateRegistering)
	if err := s.register(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.served = true
	s.setState(StateServing)
	obs.Info("session.serving", obs.Fields{"session": s.id, "name": cfg.TunnelName, "available_at": cfg.RelayAddr(), "local": cfg.LocalAddr()})
	return s.serve(ctx)
}

// serve reads frames until the control channel fails or ctx is cancelled.
// Reads use a short deadline so cancellation is noticed within one poll.
func (s *session) serve(ctx context.Context) error {
	poll := s.sup.opts.PollInterval
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(poll))
		f, err := s.dec.Next()
		if err != nil {
			if proto.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, proto.ErrShortRead) || errors.Is(err, proto.ErrFrameTooLarge) {
				return fmt.Errorf("%w: %w: %w", ErrControlLost, ErrProtocol, err)
			}
			return fmt.Errorf("%w: %w", ErrControlLost, err)
		}
		obs.FramesReceivedTotal.WithLabelValues(frameLabel(f.Type)).Inc()
		s.dispatch(ctx, f)
	}
}

func (s *session) dispatch(ctx context.Context, f proto.Frame) {
	switch f.Type {
	case proto.NewConnectionType:
		s.openConn(ctx)
	case proto.ConnDataType:
		id, data, err := proto.DecodeConnData(f.Payload)
		if err != nil {
			obs.Warn("session.bad_conn_data", obs.Fields{"session": s.id}.Err(err))
			return
		}
		if h := s.lookup(id); h != nil {
			h.deliver(ctx, data)
		} else {
			obs.Debug("session.data_for_unknown_conn", obs.Fields{"session": s.id, "conn": id, "bytes": len(data)})
		}
	case proto.ConnCloseType:
		id, err := proto.DecodeConnClose(f.Payload)
		if err != nil {
			obs.Warn("session.bad_conn_close", obs.Fields{"session": s.id}.Err(err))
			return
		}
		if h := s.lookup(id); h != nil {
			h.remoteClosed()
		}
	default:
		obs.Debug("session.frame_ignored", obs.Fields{"session": s.id, "type": f.Type.String(), "bytes": len(f.Payload)})
	}
}

// openConn services one NEW_CONNECTION. A failed local dial is reported to
// the relay and logged; the session keeps serving either way.
func (s *session) openConn(ctx context.Context) {
	opts := s.sup.opts
	addr := s.sup.cfg.LocalAddr()
	dialCtx, cancel := context.WithTimeout(ctx, opts.LocalDialTimeout)
	local, err := opts.DialLocal(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrLocalDial, addr, err)
		obs.LocalDialFailuresTotal.Inc()
		s.sup.reportLocalDial(s.id, err)
		s.refuse(err)
		return
	}
	id, ok := s.sup.nextConnID()
	if !ok {
		_ = local.Close()
		obs.Error("session.conn_ids_exhausted", obs.Fields{"session": s.id})
		s.refuse(errConnIDsExhausted)
		return
	}

	h := newConnHandle(s, id, local)
	if !s.track(h) {
		_ = local.Close()
		return
	}
	if err := s.sendJSON(proto.ConnAcceptType, proto.ConnAccept{ConnID: h.id}); err != nil {
		obs.Debug("session.send_accept", obs.Fields{"session": s.id, "conn": h.id}.Err(err))
	}
	obs.Info("conn.opened", obs.Fields{"session": s.id, "conn": h.id, "local": addr})
	obs.ConnectionsTotal.Inc()
	s.sup.opts.Hooks.connOpened(h.id)
	go func() {
		defer s.wg.Done()
		h.forward()
		s.untrack(h)
	}()
}

func (s *session) refuse(reason error) {
	if err := s.sendJSON(proto.ConnRefusedType, proto.ConnRefused{Error: reason.Error()}); err != nil {
		obs.Debug("session.send_refused", obs.Fields{"session": s.id}.Err(err))
	}
}

// send writes one frame on the control connection. All writers, control
// replies and forwarded payload alike, go through here.
func (s *session) send(t proto.MsgType, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.sup.opts.WriteTimeout))
	if err := proto.WriteFrame(s.conn, t, payload); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrIO, t, err)
	}
	return nil
}

// track registers h and reserves a slot in the wait group for its forwarder.
// It fails once the session is closing.
func (s *session) track(h *connHandle) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.conns[h.id] = h
	s.wg.Add(1)
	n := len(s.conns)
	s.mu.Unlock()
	obs.ActiveConnections.Inc()
	s.sup.update(func(st *Status) { st.ActiveConns = n })
	return true
}

func (s *session) untrack(h *connHandle) {
	s.mu.Lock()
	delete(s.conns, h.id)
	n := len(s.conns)
	s.mu.Unlock()
	obs.ActiveConnections.Dec()
	s.sup.update(func(st *Status) { st.ActiveConns = n })
}

func (s *session) lookup(id uint32) *connHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// close shuts the control connection, closes every local socket and waits
// for the forwarders to exit. Safe to call more than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		handles := make([]*connHandle, 0, len(s.conns))
		for _, h := range s.conns {
			handles = append(handles, h)
		}
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		for _, h := range handles {
			h.close()
		}
		if len(handles) > 0 {
			obs.Info("session.conns_closed", obs.Fields{"session": s.id, "count": len(handles)})
		}
	})
	s.wg.Wait()
}

func frameLabel(t proto.MsgType) string {
	if t.Known() {
		return t.String()
	}
	return "unknown"
}

func (h *Hooks) connOpened(id uint32) {
	if h.OnConnOpened != nil {
		h.OnConnOpened(id)
	}
}

func (h *Hooks) connClosed(id uint32, sent, received int64) {
	if h.OnConnClosed != nil {
		h.OnConnClosed(id, sent, received)
	}
}
