package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Decoder reads frames from a stream. A timeout from the underlying reader is
// returned to the caller with the partially read frame kept, and the next call
// to Next continues where the previous one stopped.
type Decoder struct {
	r   io.Reader
	max uint32

	hdr       [HeaderSize]byte
	hn        int
	payload   []byte
	pn        int
	inPayload bool
}

// NewDecoder returns a Decoder rejecting payloads larger than max bytes.
// A max of 0 selects MaxPayload.
func NewDecoder(r io.Reader, max uint32) *Decoder {
	if max == 0 {
		max = MaxPayload
	}
	return &Decoder{r: r, max: max}
}

// Next returns the next complete frame.
func (d *Decoder) Next() (Frame, error) {
	for !d.inPayload {
		n, err := d.r.Read(d.hdr[d.hn:])
		d.hn += n
		if d.hn == HeaderSize {
			size := binary.BigEndian.Uint32(d.hdr[1:])
			if size > d.max {
				d.reset()
				return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, d.max)
			}
			d.payload = make([]byte, size)
			d.pn = 0
			d.inPayload = true
			break
		}
		if err != nil {
			return Frame{}, d.readErr(err, d.hn > 0, d.hn, HeaderSize)
		}
	}
	for d.pn < len(d.payload) {
		n, err := d.r.Read(d.payload[d.pn:])
		d.pn += n
		if d.pn == len(d.payload) {
			break
		}
		if err != nil {
			return Frame{}, d.readErr(err, true, d.pn, len(d.payload))
		}
	}
	f := Frame{Type: MsgType(d.hdr[0]), Payload: d.payload}
	d.reset()
	return f, nil
}

// Pending reports whether a frame has been partially read.
func (d *Decoder) Pending() bool {
	return d.hn > 0
}

func (d *Decoder) reset() {
	d.hn = 0
	d.payload = nil
	d.pn = 0
	d.inPayload = false
}

func (d *Decoder) readErr(err error, partial bool, got, want int) error {
	if IsTimeout(err) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if partial {
			return fmt.Errorf("%w after %d of %d bytes", ErrShortRead, got, want)
		}
		return ErrClosed
	}
	return fmt.Errorf("read frame: %w", err)
}
