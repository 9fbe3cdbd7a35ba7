package tunnel

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matst80/backhaul/internal/proto"
)

// fakeRelay accepts control connections and hands them to the test goroutine.
type fakeRelay struct {
	ln       net.Listener
	accepted chan net.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r := &fakeRelay{ln: ln, accepted: make(chan net.Conn, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			r.accepted <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return r
}

func (r *fakeRelay) port() int { return r.ln.Addr().(*net.TCPAddr).Port }

func (r *fakeRelay) next(t *testing.T) *relayConn {
	t.Helper()
	select {
	case c := <-r.accepted:
		t.Cleanup(func() { _ = c.Close() })
		return &relayConn{t: t, conn: c, dec: proto.NewDecoder(c, 0)}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client to connect to relay")
		return nil
	}
}

// relayConn is the relay side of one control connection.
type relayConn struct {
	t    *testing.T
	conn net.Conn
	dec  *proto.Decoder
}

func (c *relayConn) read() proto.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := c.dec.Next()
	if err != nil {
		c.t.Fatalf("relay read: %v", err)
	}
	return f
}

func (c *relayConn) expect(want proto.MsgType) proto.Frame {
	c.t.Helper()
	f := c.read()
	if f.Type != want {
		c.t.Fatalf("relay expected %s, got %s (%q)", want, f.Type, f.Payload)
	}
	return f
}

func (c *relayConn) send(typ proto.MsgType, payload []byte) {
	c.t.Helper()
	if err := proto.WriteFrame(c.conn, typ, payload); err != nil {
		c.t.Fatalf("relay write %s: %v", typ, err)
	}
}

// handshake plays a relay that accepts the client's token and proxy.
func (c *relayConn) handshake() {
	c.t.Helper()
	c.expect(proto.AuthRequestType)
	c.send(proto.AuthOKType, nil)
	c.expect(proto.ProxyCreateType)
	c.send(proto.ProxyCreatedType, nil)
}

// newConn sends NEW_CONNECTION and returns the id the client accepted it under.
func (c *relayConn) newConn() uint32 {
	c.t.Helper()
	c.send(proto.NewConnectionType, nil)
	f := c.expect(proto.ConnAcceptType)
	var acc proto.ConnAccept
	if err := json.Unmarshal(f.Payload, &acc); err != nil {
		c.t.Fatalf("bad conn accept payload %q: %v", f.Payload, err)
	}
	return acc.ConnID
}

// expectEOF waits for the client to close the control connection.
func (c *relayConn) expectEOF() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, err := c.dec.Next()
		if err != nil {
			if proto.IsTimeout(err) {
				c.t.Fatal("client did not close the control connection")
			}
			return
		}
	}
}

// localServer accepts connections on behalf of the exposed service.
type localServer struct {
	ln       net.Listener
	accepted chan net.Conn
}

func newLocalServer(t *testing.T) *localServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &localServer{ln: ln, accepted: make(chan net.Conn, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *localServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *localServer) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for local connection")
		return nil
	}
}

func readExactly(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := c.Read(buf[got:])
		got += m
		if err != nil && got < n {
			t.Fatalf("local read after %d bytes: %v", got, err)
		}
	}
	return string(buf)
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return p
}

func testConfig(relayPort, localPort int) Config {
	cfg := DefaultConfig()
	cfg.ServerAddr = "127.0.0.1"
	cfg.ServerPort = relayPort
	cfg.Token = "secret"
	cfg.LocalPort = localPort
	cfg.TunnelName = "web"
	return cfg
}

func fastOptions() Options {
	return Options{
		RetryInterval:    20 * time.Millisecond,
		PollInterval:     20 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		LocalDialTimeout: time.Second,
		Hostname:         "test-host",
	}
}

// fakeClock fires immediately and records every requested wait.
type fakeClock struct {
	mu     sync.Mutex
	waits  []time.Duration
	onWait func(n int)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	n := len(c.waits)
	c.mu.Unlock()
	if c.onWait != nil {
		c.onWait(n)
	}
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// startSupervisor runs sup in the background; the returned stop cancels it
// and fails the test if Run does not return promptly.
func startSupervisor(t *testing.T, sup *Supervisor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run returned %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("supervisor did not stop after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
