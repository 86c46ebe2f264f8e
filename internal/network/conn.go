package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrion/astrion/internal/protocol"
)

// Handle identifies one accepted connection for its entire lifetime. Handles
// are assigned from an atomic counter and never reused, so a stale handle
// held by the host after a dump can never resolve to a different peer.
type Handle uint64

var nextHandle uint64

func newHandle() Handle {
	return Handle(atomic.AddUint64(&nextHandle, 1))
}

// ErrSendQueueFull is returned when a peer's outbound queue has filled up.
// The server treats the peer as too slow to keep and dumps the connection.
var ErrSendQueueFull = errors.New("send queue full")

var errConnClosed = errors.New("connection closed")

// conn couples a TCP connection with its per-connection receive decoder and
// outbound frame queue. The read loop is the only goroutine touching the
// decoder; the write loop is the only goroutine touching the socket's write
// side.
type conn struct {
	handle     Handle
	tcp        *net.TCPConn
	ipAddr     string
	port       string
	acceptedAt time.Time

	decoder   *protocol.Decoder
	sendQueue chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(tcp *net.TCPConn, queueSize int, maxFrameLen uint32) *conn {
	ipAddr, port := splitAddr(tcp.RemoteAddr().String())
	return &conn{
		handle:     newHandle(),
		tcp:        tcp,
		ipAddr:     ipAddr,
		port:       port,
		acceptedAt: time.Now(),
		decoder:    protocol.NewDecoder(maxFrameLen),
		sendQueue:  make(chan []byte, queueSize),
		closed:     make(chan struct{}),
	}
}

func (c *conn) IPAddr() string { return c.ipAddr }
func (c *conn) Port() string   { return c.port }

// splitAddr separates a peer address into host and port. IPv6 hosts come
// back without their brackets ("[::1]:9999" yields "::1"), so the host is
// usable as a strike-table key.
func splitAddr(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}

// enqueue hands a frame to the write loop without blocking the caller.
func (c *conn) enqueue(frame []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	select {
	case c.sendQueue <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the send queue onto the socket until the connection is
// closed. Frames already queued when close is requested are abandoned.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.sendQueue:
			if err := c.transmit(frame); err != nil {
				c.close()
				return
			}
		}
	}
}

// transmit writes the contents of frame to the TCP connection until every
// byte has been written.
func (c *conn) transmit(frame []byte) error {
	sent := 0
	for sent < len(frame) {
		n, err := c.tcp.Write(frame[sent:])
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %w", c.ipAddr, err)
		}
		sent += n
	}
	return nil
}

// close shuts the connection down exactly once. Safe to call from any
// goroutine; subsequent calls are no-ops.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.tcp.Close()
	})
}
