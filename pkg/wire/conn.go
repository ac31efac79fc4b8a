package wire

import (
	"bufio"
	"io"
	"net"
	goSync "sync"
	"time"

	"github.com/sidkik/tbak/pkg/errors"
)

// readBufferSize is the size of the buffer used to peek at packets that have
// already arrived.
const readBufferSize = 64 * 1024

// pollTimeout bounds how long PacketAvailable waits for bytes that the kernel
// doesn't already have.
const pollTimeout = time.Millisecond

// A deadline in the past makes blocked reads and writes return immediately.
var aLongTimeAgo = time.Unix(1, 0)

// ErrConnClosed is returned when the peer closes the connection in the middle
// of a packet, or before one starts.
var ErrConnClosed = errors.New("connection closed")

// Conn sends and receives packets over a byte stream.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	deadlineLock goSync.Mutex
	interrupted  bool
}

// NewConn wraps `c`.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, r: bufio.NewReaderSize(c, readBufferSize)}
}

// Dial connects to a tbak server.
func Dial(address string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.TransportError{Op: "dial", Err: err}
	}
	return NewConn(c), nil
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Interrupt unblocks any pending read or write, and causes all future ones
// to fail. It's used to honor context cancellation.
func (c *Conn) Interrupt() {
	c.deadlineLock.Lock()
	defer c.deadlineLock.Unlock()

	c.interrupted = true
	_ = c.conn.SetDeadline(aLongTimeAgo)
}

// ReadPacket blocks until a full packet has been read.
func (c *Conn) ReadPacket() (Packet, error) {
	typ, err := c.r.ReadByte()
	if err != nil {
		return Packet{}, readError("read type", err)
	}

	length, err := c.readVuint()
	if err != nil {
		return Packet{}, err
	}
	if length > MaxPayload {
		return Packet{}, errors.NewProtocolError("payload of %d bytes is too large", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return Packet{}, readError("read payload", err)
	}
	return Packet{Type: Type(typ), Data: data}, nil
}

// readVuint reads the length one byte at a time, so that nothing past the
// header is consumed.
func (c *Conn) readVuint() (uint64, error) {
	var v uint64
	for i := 0; i < maxVuintLen; i++ {
		b, err := c.r.ReadByte()
		if err != nil {
			return 0, readError("read length", err)
		}

		v |= uint64(b&0x7f) << (7 * uint(i))
		if b < 0x80 {
			return v, nil
		}
	}
	return 0, errors.NewProtocolError("vuint overflows 64 bits")
}

func readError(op string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = ErrConnClosed
	}
	return errors.TransportError{Op: op, Err: err}
}

// WritePacket sends `p`.
func (c *Conn) WritePacket(p Packet) error {
	buf := p.Encode()
	n, err := c.conn.Write(buf)
	if err != nil {
		return errors.TransportError{Op: "write packet", Err: err}
	}
	if n != len(buf) {
		return errors.TransportError{Op: "write packet", Err: io.ErrShortWrite}
	}
	return nil
}

// Request sends `p` and waits for the reply.
func (c *Conn) Request(p Packet) (Packet, error) {
	if err := c.WritePacket(p); err != nil {
		return Packet{}, err
	}
	return c.ReadPacket()
}

// PacketAvailable returns whether ReadPacket can return a complete packet
// without waiting on the peer. It only looks at bytes that have already
// arrived, and never consumes anything.
//
// A packet too large to fit in the read buffer is reported as available as
// soon as its header has arrived, since the peer is already in the middle of
// sending it.
func (c *Conn) PacketAvailable() bool {
	c.deadlineLock.Lock()
	if c.interrupted {
		c.deadlineLock.Unlock()
		return false
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	c.deadlineLock.Unlock()
	defer c.clearReadDeadline()

	// Pull in whatever the kernel already holds.
	if _, err := c.r.Peek(1); err != nil {
		return false
	}

	need := 2
	for {
		buffered, _ := c.r.Peek(c.r.Buffered())
		length, n, err := DecodeVuint(buffered[1:])
		if err == nil {
			total := 1 + n + int(length)
			if length > MaxPayload {
				// Let ReadPacket report the error.
				return true
			}
			if total > c.r.Size() {
				return true
			}
			_, err := c.r.Peek(total)
			return err == nil
		}

		if err != ErrShortBuffer || need > 1+maxVuintLen {
			// A malformed length is reported by ReadPacket.
			return true
		}

		if _, err := c.r.Peek(need); err != nil {
			return false
		}
		need++
	}
}

func (c *Conn) clearReadDeadline() {
	c.deadlineLock.Lock()
	defer c.deadlineLock.Unlock()

	if c.interrupted {
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
}
