package tunnel

import (
	"net"
	"time"
)

const (
	controlKeepAlive   = 30 * time.Second
	controlUserTimeout = 45 * time.Second
)

// tuneControlConn makes a dead relay show up as a read error instead of a
// silent stall.
func tuneControlConn(conn net.Conn) {
	tc := unwrapTCPConn(conn)
	if tc == nil {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(controlKeepAlive)
	setTCPUserTimeout(tc, controlUserTimeout)
}

func unwrapTCPConn(conn net.Conn) *net.TCPConn {
	if conn == nil {
		return nil
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc
	}
	if nc, ok := conn.(interface{ NetConn() net.Conn }); ok {
		return unwrapTCPConn(nc.NetConn())
	}
	return nil
}
