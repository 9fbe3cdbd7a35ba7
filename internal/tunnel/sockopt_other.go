//go:build !linux

package tunnel

import (
	"net"
	"time"
)

func setTCPUserTimeout(_ *net.TCPConn, _ time.Duration) {}
