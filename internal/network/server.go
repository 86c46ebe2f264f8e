package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/astrion/astrion/internal/core"
	"github.com/astrion/astrion/internal/core/metrics"
	"github.com/astrion/astrion/internal/protocol"
)

const (
	defaultSendQueueSize = 64
	defaultStrikeWindow  = time.Minute
	readBufferSize       = 2048
)

// Server is the server-side network core. It owns the TCP listen socket, the
// UDP discovery socket, and every connection's lifecycle from accept through
// player establishment to teardown. Decoded messages are handed to the
// Handler; everything else about the game is the host application's problem.
type Server struct {
	Config  *core.Config
	Logger  *logrus.Logger
	Handler Handler

	mu       sync.Mutex
	registry *registry
	// status is consulted to answer UDP discovery probes; nil means probes
	// receive an empty status document.
	status func() *protocol.ServerStatus

	tcpSocket *net.TCPListener
	udpSocket *net.UDPConn

	strikes *gocache.Cache
	metrics *metrics.Network
	connWg  sync.WaitGroup
}

// NewServer returns a Server ready for ListenToPorts. The handler must not
// be nil; it is the only way decoded messages leave this package.
func NewServer(config *core.Config, logger *logrus.Logger, handler Handler) *Server {
	return &Server{
		Config:   config,
		Logger:   logger,
		Handler:  handler,
		registry: newRegistry(),
		strikes:  gocache.New(defaultStrikeWindow, 10*time.Second),
		metrics:  metrics.ForNetwork(),
	}
}

// ListenToPorts opens the TCP listen socket and the UDP discovery socket on
// the configured port and starts the goroutines that service them. Any ports
// already open are closed first, so reconfiguration does not leak
// descriptors. A bind failure is returned to the caller; nothing is retried.
func (s *Server) ListenToPorts(ctx context.Context, wg *sync.WaitGroup) error {
	s.ClosePorts()

	address := s.Config.ListenAddress()

	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return fmt.Errorf("error resolving address %s: %w", address, err)
	}
	tcpSocket, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", address, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		_ = tcpSocket.Close()
		return fmt.Errorf("error resolving udp address %s: %w", address, err)
	}
	udpSocket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = tcpSocket.Close()
		return fmt.Errorf("error opening udp socket on %s: %w", address, err)
	}

	s.mu.Lock()
	s.tcpSocket = tcpSocket
	s.udpSocket = udpSocket
	s.mu.Unlock()

	wg.Add(2)
	go s.acceptLoop(ctx, tcpSocket, wg)
	go s.discoveryLoop(ctx, udpSocket, wg)

	if timeout := s.pendingTimeout(); timeout > 0 {
		wg.Add(1)
		go s.reapPending(ctx, timeout, wg)
	}

	return nil
}

// ClosePorts releases the TCP and UDP listen descriptors. Existing client
// connections are left alone; use DumpAllConnections for those.
func (s *Server) ClosePorts() {
	s.mu.Lock()
	tcpSocket, udpSocket := s.tcpSocket, s.udpSocket
	s.tcpSocket, s.udpSocket = nil, nil
	s.mu.Unlock()

	if tcpSocket != nil {
		_ = tcpSocket.Close()
	}
	if udpSocket != nil {
		_ = udpSocket.Close()
	}
}

// Shutdown dumps every connection, closes the listen ports, and waits for
// the per-connection goroutines to exit.
func (s *Server) Shutdown() {
	s.DumpAllConnections()
	s.ClosePorts()
	s.connWg.Wait()
}

// TCPAddr reports the address the TCP listener is bound to, which is useful
// when the configured port is 0 and the OS picked one.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpSocket == nil {
		return nil
	}
	return s.tcpSocket.Addr()
}

// SetStatus installs the source of the status document sent in answer to
// UDP discovery probes.
func (s *Server) SetStatus(fn func() *protocol.ServerStatus) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// UDPAddr reports the address the discovery socket is bound to.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpSocket == nil {
		return nil
	}
	return s.udpSocket.LocalAddr()
}

// acceptLoop accepts inbound TCP connections and registers them as pending
// until the context is canceled or the listen socket is closed.
func (s *Server) acceptLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	s.Logger.Infof("waiting for connections on %v", socket.Addr())

	connections := make(chan *net.TCPConn)
	go func() {
		defer close(connections)
		for {
			connection, err := socket.AcceptTCP()
			if err != nil {
				// ClosePorts was called or the listener died; either way
				// this loop is done.
				return
			}
			connections <- connection
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case connection, ok := <-connections:
			if !ok {
				return
			}
			s.acceptConnection(ctx, connection)
		}
	}
}

// acceptConnection wraps a raw TCP connection, adds it to the pending set,
// and starts its read/write goroutines. Connections over the total or
// pending cap are rejected with an immediate close.
func (s *Server) acceptConnection(ctx context.Context, connection *net.TCPConn) {
	c := newConn(connection, s.sendQueueSize(), s.maxFrameLen())

	s.mu.Lock()
	var err error
	if max := s.Config.Network.MaxConnections; max > 0 && len(s.registry.pending)+len(s.registry.players) >= max {
		err = ErrTooManyConnections
	} else {
		err = s.registry.addPending(c, s.Config.Network.MaxPending)
	}
	s.mu.Unlock()

	if err != nil {
		s.Logger.Warnf("rejected connection from %s: %v", c.IPAddr(), err)
		s.metrics.ConnectionsRejected.Inc()
		_ = connection.Close()
		return
	}

	s.Logger.Infof("accepted connection %d from %s", c.handle, c.IPAddr())
	s.metrics.ConnectionsAccepted.Inc()

	s.connWg.Add(2)
	go func() {
		defer s.connWg.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.connWg.Done()
		s.readLoop(ctx, c)
	}()
}

// readLoop reads from the connection until it errors or the context is
// canceled, feeding bytes through the framing decoder and dispatching every
// complete message. It is the failsafe boundary: a panic anywhere in the
// dispatch path tears this connection down and nothing else.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	defer s.closeConnectionAndRecover(c)

	buffer := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.tcp.Read(buffer)
		if n > 0 {
			s.metrics.BytesIn.Add(float64(n))
			c.decoder.Feed(buffer[:n])
			if !s.drainDecoder(c) {
				return
			}
		}

		if err == io.EOF {
			s.teardown(c, nil)
			return
		} else if err != nil {
			s.teardown(c, err)
			return
		}
	}
}

// drainDecoder extracts every complete message buffered on the connection.
// Malformed frames are logged and dropped without closing the connection;
// repeated offenders trip the strike limit and get dumped. Returns false
// once the connection should stop being read.
func (s *Server) drainDecoder(c *conn) bool {
	for {
		msg, err := c.decoder.Next()
		if err != nil {
			s.Logger.Warnf("dropping malformed frame from %s: %v", c.IPAddr(), err)
			s.metrics.FramingErrors.Inc()
			c.decoder.Reset()

			if s.recordStrike(c) {
				s.Logger.Warnf("dumping connection %d (%s): malformed-frame limit reached", c.handle, c.IPAddr())
				s.teardown(c, errors.New("malformed-frame limit reached"))
				return false
			}
			return true
		}
		if msg == nil {
			return true
		}

		s.metrics.MessagesIn.Inc()
		if s.Config.Debugging.MessageLoggingEnabled {
			s.Logger.Debugf("received from connection %d: %v", c.handle, msg)
		}
		s.dispatch(c, msg)
	}
}

// dispatch routes one decoded message: to the player handler when the
// connection is established and the declared sender matches, to the
// non-player handler when the connection is still pending. Messages for
// handles that have already been dumped are ignored.
func (s *Server) dispatch(c *conn, msg *protocol.Message) {
	s.mu.Lock()
	playerID, established := s.registry.playerFor(c.handle)
	_, pending := s.registry.pending[c.handle]
	s.mu.Unlock()

	switch {
	case established && msg.Sender == playerID:
		s.Handler.OnPlayerMessage(playerID, msg)
	case established:
		s.Logger.Warnf("discarding bogus %s message from connection %d: sender %d is not player %d",
			msg.Kind, c.handle, msg.Sender, playerID)
		s.metrics.BogusMessages.Inc()
	case pending:
		s.Handler.OnNonPlayerMessage(c.handle, msg)
	}
}

// recordStrike counts a malformed frame against the peer's address and
// reports whether the connection should be dumped. A limit of 0 tolerates
// any amount of garbage.
func (s *Server) recordStrike(c *conn) bool {
	limit := s.Config.Network.MalformedStrikeLimit
	if limit <= 0 {
		return false
	}

	window := time.Duration(s.Config.Network.MalformedStrikeWindowSeconds) * time.Second
	if window <= 0 {
		window = defaultStrikeWindow
	}

	count := 1
	if v, ok := s.strikes.Get(c.IPAddr()); ok {
		count = v.(int) + 1
	}
	s.strikes.Set(c.IPAddr(), count, window)

	return count >= limit
}

// teardown removes a connection whose transport failed and notifies the
// host. If the host already dumped the handle there is nothing left to do;
// late socket events for dead handles are expected and ignored.
func (s *Server) teardown(c *conn, err error) {
	s.mu.Lock()
	_, playerID, ok := s.registry.removeConnection(c.handle)
	s.mu.Unlock()

	if !ok {
		return
	}

	c.close()
	s.metrics.ConnectionsDumped.Inc()
	s.Handler.OnConnectionClosed(c.handle, playerID, err)
}

// closeConnectionAndRecover is the failsafe that catches any panic from the
// read/dispatch path and disconnects the client regardless of the state of
// the connection.
func (s *Server) closeConnectionAndRecover(c *conn) {
	if err := recover(); err != nil {
		s.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			c.IPAddr(), err, debug.Stack())
		s.teardown(c, fmt.Errorf("%v", err))
	}

	c.close()
	s.Logger.Infof("disconnected connection %d (%s)", c.handle, c.IPAddr())
}

// discoveryLoop answers UDP probes carrying the discovery magic with a JSON
// status document. This path is isolated from the connection tables: a probe
// can never create a pending connection or a player entry.
func (s *Server) discoveryLoop(ctx context.Context, socket *net.UDPConn, wg *sync.WaitGroup) {
	defer wg.Done()

	buffer := make([]byte, 1024)
	for {
		n, remote, err := socket.ReadFromUDP(buffer)
		if err != nil {
			// Socket closed by ClosePorts; nothing to log on shutdown.
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if string(buffer[:n]) != protocol.DiscoveryMagic {
			s.Logger.Debugf("ignoring unrecognized udp packet from %s", remote)
			continue
		}

		s.metrics.DiscoveryRequests.Inc()

		s.mu.Lock()
		statusFn := s.status
		s.mu.Unlock()

		status := &protocol.ServerStatus{}
		if statusFn != nil {
			status = statusFn()
		}
		reply, err := json.Marshal(status)
		if err != nil {
			s.Logger.Warnf("error encoding discovery reply: %v", err)
			continue
		}
		if _, err := socket.WriteToUDP(reply, remote); err != nil {
			s.Logger.Warnf("error answering discovery probe from %s: %v", remote, err)
		}
	}
}

// reapPending periodically dumps connections that have sat unclassified for
// longer than the configured timeout.
func (s *Server) reapPending(ctx context.Context, timeout time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := s.registry.stalePending(time.Now().Add(-timeout))
			s.mu.Unlock()

			for _, c := range stale {
				s.Logger.Infof("dumping pending connection %d (%s): unclassified for over %v",
					c.handle, c.IPAddr(), timeout)
				s.DumpConnection(c.handle)
			}
		}
	}
}

// SendMessage queues msg for transmission to the player identified by its
// Receiver field. The caller never blocks on network I/O; the connection's
// write goroutine performs the actual send.
func (s *Server) SendMessage(msg *protocol.Message) error {
	s.mu.Lock()
	c, ok := s.registry.connFor(msg.Receiver)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("player %d: %w", msg.Receiver, ErrUnknownConnection)
	}
	return s.send(c, msg)
}

// SendRaw queues msg for transmission on an explicit connection handle,
// established or not. This is how the host answers handshakes on pending
// connections.
func (s *Server) SendRaw(handle Handle, msg *protocol.Message) error {
	s.mu.Lock()
	c, ok := s.connByHandle(handle)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("connection %d: %w", handle, ErrUnknownConnection)
	}
	return s.send(c, msg)
}

// connByHandle must be called with s.mu held.
func (s *Server) connByHandle(handle Handle) (*conn, bool) {
	if c, ok := s.registry.pending[handle]; ok {
		return c, true
	}
	if playerID, ok := s.registry.playerFor(handle); ok {
		return s.registry.connFor(playerID)
	}
	return nil, false
}

func (s *Server) send(c *conn, msg *protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("error encoding message for connection %d: %w", c.handle, err)
	}

	if err := c.enqueue(frame); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			// The peer cannot keep up; cut it loose rather than buffer forever.
			s.Logger.Warnf("dumping connection %d (%s): %v", c.handle, c.IPAddr(), err)
			s.teardown(c, err)
		}
		return fmt.Errorf("error queueing message for connection %d: %w", c.handle, err)
	}

	s.metrics.MessagesOut.Inc()
	s.metrics.BytesOut.Add(float64(len(frame)))

	if s.Config.Debugging.MessageLoggingEnabled {
		s.Logger.Debugf("queued for connection %d: %v", c.handle, msg)
	}
	return nil
}

// EstablishPlayer promotes the pending connection identified by handle to an
// established player. Re-establishing the same player on the same handle is
// idempotent; establishing an existing player id on a new handle is the
// reconnect path and closes the displaced connection.
func (s *Server) EstablishPlayer(handle Handle, playerID int32, data PlayerData) error {
	s.mu.Lock()
	displaced, err := s.registry.establishPlayer(handle, playerID, data)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("error establishing player %d: %w", playerID, err)
	}

	if displaced != nil {
		s.Logger.Infof("player %d reconnected on connection %d; closing connection %d",
			playerID, handle, displaced.handle)
		displaced.close()
		s.metrics.ConnectionsDumped.Inc()
	}

	s.Logger.Infof("established player %d (%q) on connection %d", playerID, data.Name, handle)
	return nil
}

// DumpPlayer closes the player's connection and erases its table entry.
// Returns false when the player id is unknown; that is a no-op, not an error.
func (s *Server) DumpPlayer(playerID int32) bool {
	s.mu.Lock()
	c, ok := s.registry.removePlayer(playerID)
	s.mu.Unlock()

	if !ok {
		return false
	}

	c.close()
	s.metrics.ConnectionsDumped.Inc()
	s.Logger.Infof("dumped player %d (connection %d)", playerID, c.handle)
	return true
}

// DumpConnection closes a connection by handle, whether it is pending or
// established. Returns false when the handle is unknown.
func (s *Server) DumpConnection(handle Handle) bool {
	s.mu.Lock()
	c, playerID, ok := s.registry.removeConnection(handle)
	s.mu.Unlock()

	if !ok {
		return false
	}

	c.close()
	s.metrics.ConnectionsDumped.Inc()
	if playerID != protocol.NoPlayer {
		s.Logger.Infof("dumped connection %d (player %d)", handle, playerID)
	} else {
		s.Logger.Infof("dumped pending connection %d", handle)
	}
	return true
}

// DumpAllConnections closes every pending and player connection and clears
// the tables. Used at shutdown and when a game ends.
func (s *Server) DumpAllConnections() {
	s.mu.Lock()
	conns := s.registry.removeAll()
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
		s.metrics.ConnectionsDumped.Inc()
	}
	if len(conns) > 0 {
		s.Logger.Infof("dumped all connections (%d closed)", len(conns))
	}
}

// PlayerConnections returns a snapshot of the player table.
func (s *Server) PlayerConnections() map[int32]PlayerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.snapshot()
}

// TakePending drains the list of connections accepted since the last call,
// in arrival order. The connections stay tracked as pending until the host
// establishes or dumps them.
func (s *Server) TakePending() []PendingConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.takePending()
}

// PendingCount reports the number of unclassified connections.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry.pending)
}

// PlayerCount reports the number of established players.
func (s *Server) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry.players)
}

func (s *Server) sendQueueSize() int {
	if s.Config.Network.SendQueueSize > 0 {
		return s.Config.Network.SendQueueSize
	}
	return defaultSendQueueSize
}

func (s *Server) maxFrameLen() uint32 {
	if s.Config.Network.MaxFrameBytes > 0 {
		return uint32(s.Config.Network.MaxFrameBytes)
	}
	return 0
}

func (s *Server) pendingTimeout() time.Duration {
	return time.Duration(s.Config.Network.PendingTimeoutSeconds) * time.Second
}
