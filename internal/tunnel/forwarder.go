package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/proto"
)

// connHandle pairs one local connection with the session's control channel.
type connHandle struct {
	id     uint32
	sess   *session
	local  net.Conn
	opened time.Time

	inbound   chan []byte   // CONN_DATA payloads routed by the control loop
	eof       chan struct{} // relay sent CONN_CLOSE
	done      chan struct{} // handle closed, local socket gone
	eofOnce   sync.Once
	closeOnce sync.Once

	sent     atomic.Int64 // local -> relay
	received atomic.Int64 // relay -> local
}

func newConnHandle(s *session, id uint32, local net.Conn) *connHandle {
	return &connHandle{
		id:      id,
		sess:    s,
		local:   local,
		opened:  time.Now(),
		inbound: make(chan []byte, s.sup.opts.InboundQueue),
		eof:     make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// forward runs both pump directions and returns once both have ended. The
// first direction to end closes the local socket, which ends the other.
func (h *connHandle) forward() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pumpToRelay()
		h.close()
	}()
	go func() {
		defer wg.Done()
		h.pumpToLocal()
		h.close()
	}()
	wg.Wait()

	sent, received := h.sent.Load(), h.received.Load()
	obs.ConnDurationSeconds.Observe(time.Since(h.opened).Seconds())
	obs.Info("conn.finished", obs.Fields{
		"session":  h.sess.id,
		"conn":     h.id,
		"sent":     sizestr.ToString(sent),
		"received": sizestr.ToString(received),
		"duration": time.Since(h.opened).Round(time.Millisecond).String(),
	})
	h.sess.sup.opts.Hooks.connClosed(h.id, sent, received)
}

// pumpToRelay copies local reads into CONN_DATA frames until the local side
// stops, then tells the relay with CONN_CLOSE.
func (h *connHandle) pumpToRelay() {
	buf := make([]byte, h.sess.sup.opts.BufferSize)
	for {
		n, err := h.local.Read(buf)
		if n > 0 {
			if serr := h.sess.send(proto.ConnDataType, proto.EncodeConnData(h.id, buf[:n])); serr != nil {
				h.ioError("relay_write", serr)
				return
			}
			h.sent.Add(int64(n))
			obs.BytesForwardedTotal.WithLabelValues("local_to_relay").Add(float64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.ioError("local_read", err)
			}
			break
		}
	}
	if err := h.sess.send(proto.ConnCloseType, proto.EncodeConnClose(h.id)); err != nil {
		obs.Debug("conn.send_close", obs.Fields{"session": h.sess.id, "conn": h.id}.Err(err))
	}
}

// pumpToLocal writes routed payloads to the local socket in arrival order.
// After CONN_CLOSE it drains what is already queued and stops.
func (h *connHandle) pumpToLocal() {
	for {
		select {
		case data := <-h.inbound:
			if !h.writeLocal(data) {
				return
			}
		case <-h.eof:
			for {
				select {
				case data := <-h.inbound:
					if !h.writeLocal(data) {
						return
					}
				default:
					return
				}
			}
		case <-h.done:
			return
		}
	}
}

func (h *connHandle) writeLocal(data []byte) bool {
	if _, err := h.local.Write(data); err != nil {
		h.ioError("local_write", err)
		return false
	}
	h.received.Add(int64(len(data)))
	obs.BytesForwardedTotal.WithLabelValues("relay_to_local").Add(float64(len(data)))
	return true
}

// deliver queues data for the local socket. While the queue is full it blocks
// the control loop for at most WriteTimeout; a local peer that stays stuck
// longer loses its connection so the other connections keep flowing.
func (h *connHandle) deliver(ctx context.Context, data []byte) {
	select {
	case h.inbound <- data:
		return
	default:
	}
	timer := time.NewTimer(h.sess.sup.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case h.inbound <- data:
	case <-h.done:
	case <-ctx.Done():
	case <-timer.C:
		err := wrapIO("local_stalled", fmt.Errorf("inbound queue full for %s", h.sess.sup.opts.WriteTimeout))
		obs.Warn("conn.stalled", obs.Fields{"session": h.sess.id, "conn": h.id, "queued": len(h.inbound)}.Err(err))
		obs.StalledConnectionsTotal.Inc()
		h.close()
		h.sess.sup.opts.Hooks.onError(err)
	}
}

func (h *connHandle) remoteClosed() {
	h.eofOnce.Do(func() { close(h.eof) })
}

func (h *connHandle) close() {
	h.closeOnce.Do(func() {
		close(h.done)
		_ = h.local.Close()
	})
}

func (h *connHandle) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ioError reports a forwarding failure. Errors caused by our own close of the
// local socket are expected and only logged at debug level.
func (h *connHandle) ioError(op string, err error) {
	f := obs.Fields{"session": h.sess.id, "conn": h.id, "op": op}.Err(err)
	if h.isClosed() || errors.Is(err, net.ErrClosed) {
		obs.Debug("conn.io_closed", f)
		return
	}
	obs.Warn("conn.io_error", f)
	h.sess.sup.opts.Hooks.onError(wrapIO(op, err))
}
