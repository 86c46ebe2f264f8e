package network

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/astrion/astrion/internal/core"
	"github.com/astrion/astrion/internal/core/metrics"
	"github.com/astrion/astrion/internal/protocol"
)

type playerEvent struct {
	playerID int32
	msg      *protocol.Message
}

type nonPlayerEvent struct {
	handle Handle
	msg    *protocol.Message
}

type closedEvent struct {
	handle   Handle
	playerID int32
}

// recordingHandler funnels every callback into channels the tests can block on.
type recordingHandler struct {
	playerMsgs    chan playerEvent
	nonPlayerMsgs chan nonPlayerEvent
	closed        chan closedEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		playerMsgs:    make(chan playerEvent, 16),
		nonPlayerMsgs: make(chan nonPlayerEvent, 16),
		closed:        make(chan closedEvent, 16),
	}
}

func (h *recordingHandler) OnPlayerMessage(playerID int32, msg *protocol.Message) {
	h.playerMsgs <- playerEvent{playerID, msg}
}

func (h *recordingHandler) OnNonPlayerMessage(handle Handle, msg *protocol.Message) {
	h.nonPlayerMsgs <- nonPlayerEvent{handle, msg}
}

func (h *recordingHandler) OnConnectionClosed(handle Handle, playerID int32, _ error) {
	h.closed <- closedEvent{handle, playerID}
}

func testConfig() *core.Config {
	config := &core.Config{Hostname: "localhost"}
	// Port 0 lets the OS pick, so parallel tests never collide.
	config.Network.Port = 0
	return config
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// startTestServer brings up a full server on ephemeral ports and tears it
// down with the test.
func startTestServer(t *testing.T, config *core.Config, handler Handler) *Server {
	t.Helper()

	server := NewServer(config, testLogger(), handler)

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	if err := server.ListenToPorts(ctx, wg); err != nil {
		t.Fatalf("ListenToPorts returned an unexpected error: %v", err)
	}

	t.Cleanup(func() {
		cancel()
		server.Shutdown()
		wg.Wait()
	})
	return server
}

// dial opens a client connection to the test server.
func dial(t *testing.T, server *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", server.TCPAddr().String())
	if err != nil {
		t.Fatalf("failed to connect to test server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialPending connects to the server and waits for the connection to appear
// in the pending list, returning its handle.
func dialPending(t *testing.T, server *Server) (net.Conn, Handle) {
	t.Helper()

	conn := dial(t, server)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pending := server.TakePending(); len(pending) > 0 {
			return conn, pending[0].Handle
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection never showed up in the pending list")
	return nil, 0
}

func writeMessage(t *testing.T, conn net.Conn, msg *protocol.Message) {
	t.Helper()

	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode returned an unexpected error: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func readMessage(t *testing.T, conn net.Conn) *protocol.Message {
	t.Helper()

	decoder := protocol.NewDecoder(0)
	buffer := make([]byte, 2048)
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)

	for {
		msg, err := decoder.Next()
		if err != nil {
			t.Fatalf("Next returned an unexpected error: %v", err)
		}
		if msg != nil {
			return msg
		}

		n, err := conn.Read(buffer)
		if err != nil {
			t.Fatalf("failed to read from server: %v", err)
		}
		decoder.Feed(buffer[:n])
	}
}

func TestPendingMessageRoutesToNonPlayerHandler(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	conn, handle := dialPending(t, server)
	writeMessage(t, conn, protocol.JoinGameMessage("Arkadi"))

	select {
	case event := <-handler.nonPlayerMsgs:
		if event.handle != handle {
			t.Errorf("expected message from handle %d, got %d", handle, event.handle)
		}
		if event.msg.Kind != protocol.KindJoinGame {
			t.Errorf("expected a JOIN_GAME message, got %v", event.msg.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the non-player handler")
	}
}

func TestEstablishPlayerRoutesAndSends(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	conn, handle := dialPending(t, server)
	if err := server.EstablishPlayer(handle, 3, PlayerData{Name: "Arkadi", Host: true}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	// A message declaring the right sender reaches the player handler.
	writeMessage(t, conn, protocol.ChatMessage(3, protocol.NoPlayer, "hello"))
	select {
	case event := <-handler.playerMsgs:
		if event.playerID != 3 {
			t.Errorf("expected player 3, got %d", event.playerID)
		}
		if got := event.msg.Text(); got != "hello" {
			t.Errorf("expected body %q, got %q", "hello", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the player handler")
	}

	// SendMessage routes by the Receiver field.
	if err := server.SendMessage(protocol.ChatMessage(protocol.NoPlayer, 3, "welcome")); err != nil {
		t.Fatalf("SendMessage returned an unexpected error: %v", err)
	}
	reply := readMessage(t, conn)
	if reply.Kind != protocol.KindChat || reply.Text() != "welcome" {
		t.Errorf("unexpected reply: %v (%q)", reply, reply.Text())
	}
}

func TestEstablishPlayerIsIdempotent(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	_, handle := dialPending(t, server)
	data := PlayerData{Name: "Yara"}

	if err := server.EstablishPlayer(handle, 5, data); err != nil {
		t.Fatalf("first EstablishPlayer returned an unexpected error: %v", err)
	}
	want := server.PlayerConnections()

	if err := server.EstablishPlayer(handle, 5, data); err != nil {
		t.Fatalf("second EstablishPlayer returned an unexpected error: %v", err)
	}
	got := server.PlayerConnections()

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("re-establishing changed the table (-want +got):\n%s", diff)
	}
}

func TestEstablishPlayerRejectsForeignHandle(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	_, handle := dialPending(t, server)
	if err := server.EstablishPlayer(handle, 1, PlayerData{Name: "Yara"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	// The handle is taken by player 1; binding player 2 to it must fail.
	if err := server.EstablishPlayer(handle, 2, PlayerData{Name: "Imposter"}); !errors.Is(err, ErrHandleInUse) {
		t.Fatalf("expected ErrHandleInUse, got %v", err)
	}

	// An unknown handle must fail too.
	if err := server.EstablishPlayer(Handle(99999), 2, PlayerData{}); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestReconnectRebindsPlayerToNewHandle(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	_, first := dialPending(t, server)
	if err := server.EstablishPlayer(first, 3, PlayerData{Name: "Arkadi"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	// Simulate a drop observed by the host.
	if !server.DumpConnection(first) {
		t.Fatal("DumpConnection returned false for a live handle")
	}

	_, second := dialPending(t, server)
	if err := server.EstablishPlayer(second, 3, PlayerData{Name: "Arkadi"}); err != nil {
		t.Fatalf("re-establishing after a drop returned an unexpected error: %v", err)
	}

	players := server.PlayerConnections()
	if players[3].Handle != second {
		t.Errorf("expected player 3 on handle %d, got %d", second, players[3].Handle)
	}
}

func TestDumpPlayerSemantics(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	_, first := dialPending(t, server)
	_, second := dialPending(t, server)
	if err := server.EstablishPlayer(first, 1, PlayerData{Name: "Yara"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}
	if err := server.EstablishPlayer(second, 2, PlayerData{Name: "Arkadi"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	if server.DumpPlayer(42) {
		t.Error("DumpPlayer returned true for an unknown player id")
	}
	if got := len(server.PlayerConnections()); got != 2 {
		t.Errorf("dumping an unknown player changed the table: %d entries", got)
	}

	if !server.DumpPlayer(1) {
		t.Error("DumpPlayer returned false for a known player id")
	}

	players := server.PlayerConnections()
	if _, ok := players[1]; ok {
		t.Error("player 1 still present after DumpPlayer")
	}
	if _, ok := players[2]; !ok {
		t.Error("player 2 was removed by dumping player 1")
	}
}

func TestPendingAndEstablishedAreExclusive(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	_, handle := dialPending(t, server)
	if err := server.EstablishPlayer(handle, 7, PlayerData{Name: "Nima"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	if got := server.PendingCount(); got != 0 {
		t.Errorf("established handle still counted as pending: %d", got)
	}
	for _, pending := range server.TakePending() {
		if pending.Handle == handle {
			t.Error("established handle still listed in the pending set")
		}
	}
}

func TestBogusSenderIsDiscarded(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	conn, handle := dialPending(t, server)
	if err := server.EstablishPlayer(handle, 3, PlayerData{Name: "Arkadi"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	// Lie about the sender, then tell the truth. Only the honest message
	// should be delivered, and the connection must survive the lie.
	writeMessage(t, conn, protocol.ChatMessage(9, protocol.NoPlayer, "spoofed"))
	writeMessage(t, conn, protocol.ChatMessage(3, protocol.NoPlayer, "legit"))

	select {
	case event := <-handler.playerMsgs:
		if got := event.msg.Text(); got != "legit" {
			t.Errorf("expected the spoofed message to be discarded, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the player handler")
	}
}

func framingErrorCount() float64 {
	return testutil.ToFloat64(metrics.ForNetwork().FramingErrors)
}

func TestMalformedFrameToleranceAndRecovery(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	conn, handle := dialPending(t, server)
	if err := server.EstablishPlayer(handle, 3, PlayerData{Name: "Arkadi"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	// A frame header that cannot hold a message header is malformed. The
	// server should log it, drop the buffer, and keep the connection open.
	before := framingErrorCount()
	if _, err := conn.Write([]byte{0x05, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("failed to write garbage: %v", err)
	}

	// Wait for the server to register the bad frame before sending a good
	// one; writing both back to back lets them coalesce into one read, and
	// dropping the buffer would (correctly) take the good frame with it.
	deadline := time.Now().Add(5 * time.Second)
	for framingErrorCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("the malformed frame was never counted as a framing error")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A well-formed frame afterwards still gets through.
	writeMessage(t, conn, protocol.ChatMessage(3, protocol.NoPlayer, "still here"))
	select {
	case event := <-handler.playerMsgs:
		if got := event.msg.Text(); got != "still here" {
			t.Errorf("expected body %q, got %q", "still here", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovery after a malformed frame")
	}
}

func TestMalformedFrameStrikeLimitDumpsConnection(t *testing.T) {
	handler := newRecordingHandler()
	config := testConfig()
	config.Network.MalformedStrikeLimit = 2
	config.Network.MalformedStrikeWindowSeconds = 60
	server := startTestServer(t, config, handler)

	conn, handle := dialPending(t, server)
	if err := server.EstablishPlayer(handle, 3, PlayerData{Name: "Arkadi"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	// Keep sending bad frames until the strike limit trips. Separate writes
	// spaced out so each one lands as its own read (and its own strike).
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := conn.Write([]byte{0x05, 0x00, 0x00, 0x00}); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case event := <-handler.closed:
		if event.playerID != 3 {
			t.Errorf("expected player 3's connection to close, got %d", event.playerID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the strike limit to dump the connection")
	}
}

func TestRemoteCloseReportsDisconnect(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	conn, handle := dialPending(t, server)
	if err := server.EstablishPlayer(handle, 4, PlayerData{Name: "Zoe"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	_ = conn.Close()

	select {
	case event := <-handler.closed:
		if event.handle != handle {
			t.Errorf("expected handle %d, got %d", handle, event.handle)
		}
		if event.playerID != 4 {
			t.Errorf("expected player 4, got %d", event.playerID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the disconnect callback")
	}
}

func TestMaxPendingRejectsOverflow(t *testing.T) {
	handler := newRecordingHandler()
	config := testConfig()
	config.Network.MaxPending = 1
	server := startTestServer(t, config, handler)

	first := dial(t, server)
	defer first.Close()

	deadline := time.Now().Add(5 * time.Second)
	for server.PendingCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first connection never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The second connection should be closed by the server almost
	// immediately: a read will hit EOF rather than block until timeout.
	second := dial(t, server)
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("expected the over-cap connection to be closed by the server")
	}

	if got := server.PendingCount(); got != 1 {
		t.Errorf("expected 1 pending connection, got %d", got)
	}
}

func TestMaxConnectionsRejectsOverflow(t *testing.T) {
	handler := newRecordingHandler()
	config := testConfig()
	config.Network.MaxConnections = 1
	server := startTestServer(t, config, handler)

	// The cap counts established players as well as pending connections.
	_, handle := dialPending(t, server)
	if err := server.EstablishPlayer(handle, 1, PlayerData{Name: "Arkadi"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}

	second := dial(t, server)
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("expected the over-cap connection to be closed by the server")
	}

	if got := server.PendingCount(); got != 0 {
		t.Errorf("expected 0 pending connections, got %d", got)
	}
	if got := server.PlayerCount(); got != 1 {
		t.Errorf("expected 1 established player, got %d", got)
	}
}

func TestUDPDiscoveryIsIsolatedFromConnectionTables(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)
	server.SetStatus(func() *protocol.ServerStatus {
		return &protocol.ServerStatus{Name: "test server", State: "lobby", Players: 0}
	})

	probe, err := net.Dial("udp", server.UDPAddr().String())
	if err != nil {
		t.Fatalf("failed to open udp socket: %v", err)
	}
	defer probe.Close()

	if _, err := probe.Write([]byte(protocol.DiscoveryMagic)); err != nil {
		t.Fatalf("failed to send discovery probe: %v", err)
	}

	buffer := make([]byte, 1024)
	_ = probe.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := probe.Read(buffer)
	if err != nil {
		t.Fatalf("failed to read discovery reply: %v", err)
	}

	var status protocol.ServerStatus
	if err := json.Unmarshal(buffer[:n], &status); err != nil {
		t.Fatalf("discovery reply was not valid JSON: %v", err)
	}
	if status.Name != "test server" {
		t.Errorf("expected server name %q, got %q", "test server", status.Name)
	}

	// The probe must leave no trace in the connection tables.
	if got := server.PendingCount(); got != 0 {
		t.Errorf("discovery probe created %d pending connections", got)
	}
	if got := len(server.PlayerConnections()); got != 0 {
		t.Errorf("discovery probe created %d player table entries", got)
	}
}

func TestDumpAllConnectionsClearsEverything(t *testing.T) {
	handler := newRecordingHandler()
	server := startTestServer(t, testConfig(), handler)

	_, first := dialPending(t, server)
	if err := server.EstablishPlayer(first, 1, PlayerData{Name: "Yara"}); err != nil {
		t.Fatalf("EstablishPlayer returned an unexpected error: %v", err)
	}
	_, _ = dialPending(t, server)

	server.DumpAllConnections()

	if got := server.PendingCount(); got != 0 {
		t.Errorf("expected 0 pending connections, got %d", got)
	}
	if got := len(server.PlayerConnections()); got != 0 {
		t.Errorf("expected an empty player table, got %d entries", got)
	}
}
