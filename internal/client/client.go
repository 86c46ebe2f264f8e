// Package client implements the connection a game client holds to an Astrion
// server: an event-driven connector whose handlers are invoked as messages
// arrive, plus LAN server discovery over UDP broadcast.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astrion/astrion/internal/protocol"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultSendQueueSize = 64
	readBufferSize       = 2048
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrTimedOut      = errors.New("timed out waiting for response")
	ErrSendQueueFull = errors.New("send queue full")
)

// Connector manages one client connection to a server. Create one with
// NewConnector, register handlers, then Connect. A Connector is good for a
// single connection; reconnecting means dialing a fresh Connector, the same
// way a dropped player rejoins on a brand new socket.
type Connector struct {
	Logger *logrus.Logger

	// OnMessage receives every inbound message that is not claimed by a
	// pending SendSynchronous call. Invoked from the read goroutine.
	OnMessage func(*protocol.Message)
	// OnDisconnect is invoked once when the connection is lost or closed.
	// err is nil for a locally requested Close.
	OnDisconnect func(err error)

	// DialTimeout bounds Connect. Zero selects a 10 second default.
	DialTimeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	sendQueue chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	waitersMu sync.Mutex
	waiters   map[protocol.Kind]chan *protocol.Message
}

func NewConnector(logger *logrus.Logger) *Connector {
	return &Connector{
		Logger:    logger,
		sendQueue: make(chan []byte, defaultSendQueueSize),
		closed:    make(chan struct{}),
		waiters:   make(map[protocol.Kind]chan *protocol.Message),
	}
}

// Connect dials the server and starts the read and write goroutines. It
// returns once the TCP connection is up; nothing is sent on the wire.
func (c *Connector) Connect(ctx context.Context, address string) error {
	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("error connecting to %s: %w", address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn)
	return nil
}

// Connected reports whether the connection is currently up.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendMessage queues msg for transmission without blocking on network I/O.
// Returns ErrSendQueueFull when the write goroutine cannot keep up rather
// than stalling the caller behind it.
func (c *Connector) SendMessage(msg *protocol.Message) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("error encoding %s message: %w", msg.Kind, err)
	}

	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}

	select {
	case c.sendQueue <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendSynchronous sends msg flagged as a synchronous request and blocks until
// a response of wantKind arrives, the timeout elapses, or the connection
// drops. Only one synchronous request per Kind may be in flight at a time.
func (c *Connector) SendSynchronous(msg *protocol.Message, wantKind protocol.Kind, timeout time.Duration) (*protocol.Message, error) {
	msg.Flags |= protocol.FlagSynchronous

	waiter := make(chan *protocol.Message, 1)
	c.waitersMu.Lock()
	if _, ok := c.waiters[wantKind]; ok {
		c.waitersMu.Unlock()
		return nil, fmt.Errorf("synchronous %s request already in flight", wantKind)
	}
	c.waiters[wantKind] = waiter
	c.waitersMu.Unlock()

	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, wantKind)
		c.waitersMu.Unlock()
	}()

	if err := c.SendMessage(msg); err != nil {
		return nil, err
	}

	select {
	case response := <-waiter:
		return response, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no %s response within %v: %w", wantKind, timeout, ErrTimedOut)
	case <-c.closed:
		return nil, ErrNotConnected
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Connector) Close() error {
	c.disconnect(nil)
	return nil
}

func (c *Connector) disconnect(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if c.OnDisconnect != nil {
			c.OnDisconnect(err)
		}
	})
}

func (c *Connector) writeLoop(conn net.Conn) {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.sendQueue:
			sent := 0
			for sent < len(frame) {
				n, err := conn.Write(frame[sent:])
				if err != nil {
					c.disconnect(err)
					return
				}
				sent += n
			}
		}
	}
}

func (c *Connector) readLoop(conn net.Conn) {
	decoder := protocol.NewDecoder(0)
	buffer := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			decoder.Feed(buffer[:n])
			for {
				msg, decodeErr := decoder.Next()
				if decodeErr != nil {
					// Same tolerance the server applies: drop the buffer,
					// keep the connection.
					c.Logger.Warnf("dropping malformed frame from server: %v", decodeErr)
					decoder.Reset()
					break
				}
				if msg == nil {
					break
				}
				c.deliver(msg)
			}
		}
		if err != nil {
			c.disconnect(err)
			return
		}
	}
}

// deliver hands an inbound message to a waiting synchronous caller if one
// has claimed its kind, otherwise to the OnMessage handler.
func (c *Connector) deliver(msg *protocol.Message) {
	if msg.Flags&protocol.FlagResponse != 0 {
		c.waitersMu.Lock()
		waiter, ok := c.waiters[msg.Kind]
		if ok {
			delete(c.waiters, msg.Kind)
		}
		c.waitersMu.Unlock()

		if ok {
			waiter <- msg
			return
		}
	}

	if c.OnMessage != nil {
		c.OnMessage(msg)
	}
}
