package tunnel

import (
	"context"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/ratelimit"
)

// Clock abstracts waiting so the retry loop can be driven by tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options tune the supervisor and its sessions. Zero values select defaults.
type Options struct {
	RetryInterval    time.Duration // wait between sessions (5s)
	DialTimeout      time.Duration // relay connect timeout (30s)
	HandshakeTimeout time.Duration // wait for AUTH_OK / PROXY_CREATED (30s)
	LocalDialTimeout time.Duration // local service connect timeout (10s)
	PollInterval     time.Duration // control read poll, bounds shutdown latency (1s)
	WriteTimeout     time.Duration // control socket write deadline; also the longest a full inbound queue may stall the control loop (30s)
	BufferSize       int           // local read size per CONN_DATA frame (4096)
	InboundQueue     int           // queued CONN_DATA chunks per connection (64)
	MaxPayload       uint32        // largest accepted frame payload (16 MiB)

	Hostname string // reported in AUTH_REQUEST; os.Hostname() when empty

	DialRelay DialFunc
	DialLocal DialFunc
	Clock     Clock
	Hooks     *Hooks
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.LocalDialTimeout <= 0 {
		o.LocalDialTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 4096
	}
	if o.InboundQueue <= 0 {
		o.InboundQueue = 64
	}
	if o.MaxPayload == 0 {
		o.MaxPayload = 16 << 20
	}
	if o.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			o.Hostname = h
		} else {
			o.Hostname = "unknown"
		}
	}
	if o.DialRelay == nil {
		d := &net.Dialer{KeepAlive: controlKeepAlive}
		o.DialRelay = d.DialContext
	}
	if o.DialLocal == nil {
		d := &net.Dialer{}
		o.DialLocal = d.DialContext
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Hooks == nil {
		o.Hooks = &Hooks{}
	}
	return o
}

// Supervisor keeps one tunnel alive: it runs sessions back to back with a
// fixed pause between them until its context is cancelled.
type Supervisor struct {
	cfg  Config
	opts Options

	nextID  atomic.Uint32
	dialLog *ratelimit.Throttle

	notifyMu sync.Mutex
	mu       sync.Mutex
	status   Status
}

// NewSupervisor validates cfg and prepares a supervisor. Nothing is dialled
// until Run.
func NewSupervisor(cfg Config, opts Options) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:     cfg,
		opts:    opts.withDefaults(),
		dialLog: ratelimit.NewThrottle(1, 5),
		status:  Status{Tunnel: cfg.TunnelName, Relay: cfg.RelayAddr(), State: StateIdle, UpdatedAt: time.Now()},
	}, nil
}

// Status returns a snapshot of the tunnel state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run blocks until ctx is cancelled. Session failures are logged and retried
// indefinitely; Run itself only returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: s.opts.RetryInterval, Max: s.opts.RetryInterval, Factor: 1}
	obs.Info("tunnel.start", obs.Fields{"name": s.cfg.TunnelName, "relay": s.cfg.RelayAddr(), "local": s.cfg.LocalAddr()})
	for ctx.Err() == nil {
		sess := newSession(s)
		obs.SessionsTotal.Inc()
		err := sess.run(ctx)
		if ctx.Err() != nil {
			break
		}
		if sess.served {
			b.Reset()
		}
		attempt := int(b.Attempt()) + 1
		wait := b.Duration()
		kind := Kind(err)
		obs.SessionFailuresTotal.WithLabelValues(kind).Inc()
		obs.Error("session.ended", obs.Fields{"session": sess.id, "kind": kind, "attempt": attempt, "retry_in": wait.String()}.Err(err))
		s.opts.Hooks.onError(err)
		s.update(func(st *Status) {
			st.Attempt = attempt
			st.LastError = errString(err)
			st.RetryAt = time.Now().Add(wait)
		})
		select {
		case <-ctx.Done():
		case <-s.opts.Clock.After(wait):
			obs.Info("session.retry", obs.Fields{"attempt": attempt + 1})
		}
	}
	s.update(func(st *Status) {
		st.Stopped = true
		st.RetryAt = time.Time{}
	})
	obs.Info("tunnel.stopped", obs.Fields{"name": s.cfg.TunnelName, "total_conns": s.nextID.Load()})
	return nil
}

// nextConnID hands out connection ids starting at 1. Ids are never reused: once
// the uint32 space is spent it reports false for every later call.
func (s *Supervisor) nextConnID() (uint32, bool) {
	for {
		cur := s.nextID.Load()
		if cur == math.MaxUint32 {
			return 0, false
		}
		if s.nextID.CompareAndSwap(cur, cur+1) {
			return cur + 1, true
		}
	}
}

// update mutates the status under lock and publishes the result. Hook
// delivery is serialized so observers see updates in order.
func (s *Supervisor) update(fn func(st *Status)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	prev := s.status.State
	fn(&s.status)
	s.status.TotalConns = s.nextID.Load()
	s.status.UpdatedAt = time.Now()
	snap := s.status
	s.mu.Unlock()
	if prev != snap.State {
		obs.SessionState.WithLabelValues(prev.String()).Set(0)
		obs.SessionState.WithLabelValues(snap.State.String()).Set(1)
	}
	if s.opts.Hooks.OnState != nil {
		s.opts.Hooks.OnState(snap)
	}
}

// reportLocalDial logs a failed local dial without flooding the log when the
// local service is down and the relay keeps signalling.
func (s *Supervisor) reportLocalDial(sessionID string, err error) {
	if ok, dropped := s.dialLog.Allow(); ok {
		f := obs.Fields{"session": sessionID, "local": s.cfg.LocalAddr(), "next": "continuing to serve"}
		if dropped > 0 {
			f["suppressed"] = dropped
		}
		obs.Warn("conn.local_dial_failed", f.Err(err))
	}
	s.opts.Hooks.onError(err)
}

func (h *Hooks) onError(err error) {
	if h.OnError != nil && err != nil {
		h.OnError(err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
