// Package game contains the host application the network core serves: a
// coordinator that admits players, relays chat, collects turn orders, and
// persists saves. It implements network.Handler; the network core knows it
// only through that interface.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/astrion/astrion/internal/core"
	"github.com/astrion/astrion/internal/core/data"
	"github.com/astrion/astrion/internal/network"
	"github.com/astrion/astrion/internal/protocol"
)

// Version is announced to discovery probes and status requests.
const Version = "0.1.0"

// Game phases as reported in status documents.
const (
	StateLobby   = "lobby"
	StateRunning = "running"
)

// Core is the slice of the network server the coordinator drives. Declared
// here so tests can substitute a fake.
type Core interface {
	SendMessage(msg *protocol.Message) error
	SendRaw(handle network.Handle, msg *protocol.Message) error
	EstablishPlayer(handle network.Handle, playerID int32, data network.PlayerData) error
	DumpPlayer(playerID int32) bool
	DumpConnection(handle network.Handle) bool
	DumpAllConnections()
	PlayerConnections() map[int32]network.PlayerConn
}

// Coordinator runs one hosted game. The first client to send HOST_GAME
// claims it and becomes the host; later JOIN_GAME requests fill the lobby.
// All handler methods may be called concurrently from connection goroutines.
type Coordinator struct {
	Config *core.Config
	Logger *logrus.Logger
	DB     *gorm.DB
	Turns  TurnProcessor

	core Core

	mu        sync.Mutex
	state     string
	gameName  string
	hostID    int32
	turn      uint32
	lastState []byte
	// roster is game membership, which outlives individual connections: a
	// dropped player stays on the roster so they can reconnect under the
	// same id.
	roster map[int32]string
	orders map[int32][]byte
}

func NewCoordinator(config *core.Config, logger *logrus.Logger, db *gorm.DB, turns TurnProcessor) *Coordinator {
	if turns == nil {
		turns = CollatingTurnProcessor{}
	}
	return &Coordinator{
		Config: config,
		Logger: logger,
		DB:     db,
		Turns:  turns,
		state:  StateLobby,
		hostID: protocol.NoPlayer,
		roster: make(map[int32]string),
		orders: make(map[int32][]byte),
	}
}

// Attach hands the coordinator its network core. Called once by the
// controller after both objects exist; the circular reference is resolved
// here rather than through ambient globals.
func (c *Coordinator) Attach(core Core) {
	c.core = core
}

// Status produces the document sent in answer to discovery probes and
// SERVER_STATUS requests.
func (c *Coordinator) Status() *protocol.ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &protocol.ServerStatus{
		Name:    c.Config.ServerName,
		Version: Version,
		State:   c.state,
		Players: len(c.core.PlayerConnections()),
		Turn:    c.turn,
	}
}

// OnNonPlayerMessage classifies connections that have not been bound to a
// player: hosting, joining, and status requests. Anything else on an
// unclassified connection gets it dumped.
func (c *Coordinator) OnNonPlayerMessage(handle network.Handle, msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindHostGame:
		c.handleHostGame(handle, msg)
	case protocol.KindJoinGame:
		c.handleJoinGame(handle, msg)
	case protocol.KindServerStatus:
		_ = c.core.SendRaw(handle, protocol.ServerStatusMessage(protocol.NoPlayer, c.Status()))
	default:
		c.Logger.Warnf("dumping connection %d: unexpected %s message before handshake", handle, msg.Kind)
		c.core.DumpConnection(handle)
	}
}

func (c *Coordinator) handleHostGame(handle network.Handle, msg *protocol.Message) {
	var req protocol.HostGameRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.rejectConnection(handle, errors.New("malformed host game request"))
		return
	}

	c.mu.Lock()
	alreadyHosted := c.hostID != protocol.NoPlayer
	c.mu.Unlock()
	if alreadyHosted {
		c.rejectConnection(handle, errors.New("a game is already hosted on this server"))
		return
	}

	playerID, err := c.admitPlayer(handle, req.PlayerName, true)
	if err != nil {
		c.rejectConnection(handle, err)
		return
	}

	c.mu.Lock()
	c.gameName = req.GameName
	c.hostID = playerID
	c.mu.Unlock()

	c.Logger.Infof("player %d (%q) hosted game %q", playerID, req.PlayerName, req.GameName)
	c.broadcastLobby()
}

func (c *Coordinator) handleJoinGame(handle network.Handle, msg *protocol.Message) {
	var req protocol.JoinGameRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.rejectConnection(handle, errors.New("malformed join game request"))
		return
	}

	c.mu.Lock()
	noGame := c.hostID == protocol.NoPlayer
	c.mu.Unlock()
	if noGame {
		c.rejectConnection(handle, errors.New("no game is hosted on this server yet"))
		return
	}

	playerID, err := c.admitPlayer(handle, req.PlayerName, false)
	if err != nil {
		c.rejectConnection(handle, err)
		return
	}

	c.Logger.Infof("player %d (%q) joined the game", playerID, req.PlayerName)
	c.broadcastLobby()
}

// admitPlayer resolves the player's durable record, binds the connection to
// the resulting player id, and acknowledges the join. Returning to a game in
// progress is allowed only for players already on the roster.
func (c *Coordinator) admitPlayer(handle network.Handle, name string, host bool) (int32, error) {
	if name == "" {
		return 0, errors.New("player name must not be empty")
	}

	record, err := data.FindPlayerByName(c.DB, name)
	if err != nil {
		return 0, fmt.Errorf("error looking up player %q: %w", name, err)
	}
	if record == nil {
		record = &data.Player{Name: name}
		if err := data.CreatePlayer(c.DB, record); err != nil {
			return 0, fmt.Errorf("error registering player %q: %w", name, err)
		}
	}
	if err := data.TouchPlayer(c.DB, record); err != nil {
		c.Logger.Warnf("error updating last seen for player %q: %v", name, err)
	}
	playerID := int32(record.ID)

	c.mu.Lock()
	_, returning := c.roster[playerID]
	switch {
	case c.state != StateLobby && !returning:
		c.mu.Unlock()
		return 0, errors.New("the game has already started")
	case !returning && c.Config.Game.MaxPlayers > 0 && len(c.roster) >= c.Config.Game.MaxPlayers:
		c.mu.Unlock()
		return 0, errors.New("the game is full")
	}
	c.roster[playerID] = name
	c.mu.Unlock()

	if err := c.core.EstablishPlayer(handle, playerID, network.PlayerData{Name: name, Host: host}); err != nil {
		// A failed promotion must give the lobby slot back, or a connection
		// dying mid-handshake eats a MaxPlayers slot forever. Returning
		// players keep their membership; it predates this attempt.
		if !returning {
			c.mu.Lock()
			delete(c.roster, playerID)
			c.mu.Unlock()
		}
		return 0, fmt.Errorf("error establishing player %q: %w", name, err)
	}

	if err := c.core.SendMessage(protocol.JoinAckMessage(playerID, host)); err != nil {
		c.Logger.Warnf("error acknowledging join for player %d: %v", playerID, err)
	}

	// A returning player missed the running game's last snapshot.
	c.mu.Lock()
	running := c.state == StateRunning
	snapshot := c.lastState
	c.mu.Unlock()
	if returning && running && snapshot != nil {
		_ = c.core.SendMessage(protocol.GameStartMessage(playerID, snapshot))
	}

	return playerID, nil
}

// OnPlayerMessage routes messages from established players.
func (c *Coordinator) OnPlayerMessage(playerID int32, msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindChat:
		c.handleChat(playerID, msg)
	case protocol.KindGameStart:
		c.handleStartGame(playerID)
	case protocol.KindTurnOrders:
		c.handleTurnOrders(playerID, msg)
	case protocol.KindSaveGame:
		c.handleSaveGame(playerID, msg)
	case protocol.KindLoadGame:
		c.handleLoadGame(playerID, msg)
	case protocol.KindEndGame:
		c.handleEndGame(playerID)
	case protocol.KindPlayerExit:
		c.handlePlayerExit(playerID)
	case protocol.KindServerStatus:
		_ = c.core.SendMessage(protocol.ServerStatusMessage(playerID, c.Status()))
	default:
		c.Logger.Warnf("discarding unexpected %s message from player %d", msg.Kind, playerID)
	}
}

// handleChat relays a chat line to its addressee, or to every connected
// player when it is not addressed to anyone in particular.
func (c *Coordinator) handleChat(playerID int32, msg *protocol.Message) {
	if msg.Receiver != protocol.NoPlayer {
		relay := protocol.ChatMessage(playerID, msg.Receiver, msg.Text())
		if err := c.core.SendMessage(relay); err != nil {
			c.sendError(playerID, errors.New("that player is not connected"))
		}
		return
	}

	for id := range c.core.PlayerConnections() {
		if id == playerID {
			continue
		}
		_ = c.core.SendMessage(protocol.ChatMessage(playerID, id, msg.Text()))
	}
}

func (c *Coordinator) handleStartGame(playerID int32) {
	if !c.requireHost(playerID, "start the game") {
		return
	}

	c.mu.Lock()
	if c.state != StateLobby {
		c.mu.Unlock()
		c.sendError(playerID, errors.New("the game has already started"))
		return
	}
	players := c.rosterIDsLocked()
	c.mu.Unlock()

	snapshot, err := c.Turns.InitialState(players)
	if err != nil {
		c.Logger.Errorf("error generating initial state: %v", err)
		c.sendError(playerID, errors.New("the game could not be started"))
		return
	}

	c.mu.Lock()
	c.state = StateRunning
	c.turn = 0
	c.lastState = snapshot
	c.mu.Unlock()

	c.Logger.Infof("game %q started with %d players", c.gameName, len(players))
	c.broadcast(func(id int32) *protocol.Message {
		return protocol.GameStartMessage(id, snapshot)
	})
}

// handleTurnOrders records one player's orders. When every connected player
// has submitted, the turn advances and the new snapshot is broadcast.
func (c *Coordinator) handleTurnOrders(playerID int32, msg *protocol.Message) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		c.sendError(playerID, errors.New("the game has not started yet"))
		return
	}
	c.orders[playerID] = msg.Body
	submitted := len(c.orders)
	c.mu.Unlock()

	c.broadcast(func(id int32) *protocol.Message {
		return protocol.TurnProgressMessage(id, "orders received", playerID)
	})

	if submitted >= len(c.core.PlayerConnections()) {
		c.advanceTurn()
	}
}

func (c *Coordinator) advanceTurn() {
	c.mu.Lock()
	orders := c.orders
	c.orders = make(map[int32][]byte)
	turn := c.turn + 1
	c.mu.Unlock()

	snapshot, err := c.Turns.AdvanceTurn(turn, orders)
	if err != nil {
		c.Logger.Errorf("error processing turn %d: %v", turn, err)
		return
	}

	c.mu.Lock()
	c.turn = turn
	c.lastState = snapshot
	c.mu.Unlock()

	c.Logger.Infof("turn %d processed with orders from %d players", turn, len(orders))
	c.broadcast(func(id int32) *protocol.Message {
		return protocol.TurnUpdateMessage(id, snapshot)
	})
}

func (c *Coordinator) handleSaveGame(playerID int32, msg *protocol.Message) {
	if !c.requireHost(playerID, "save the game") {
		return
	}

	name := msg.Text()
	if name == "" {
		c.sendError(playerID, errors.New("a save needs a name"))
		return
	}

	c.mu.Lock()
	save := &data.SavedGame{
		Name:     name,
		GameName: c.gameName,
		Turn:     c.turn,
		Players:  len(c.roster),
		State:    c.lastState,
	}
	c.mu.Unlock()

	if err := data.UpsertSavedGame(c.DB, save); err != nil {
		c.Logger.Errorf("error saving game %q: %v", name, err)
		c.sendError(playerID, errors.New("the game could not be saved"))
		return
	}

	c.Logger.Infof("game saved as %q at turn %d", name, save.Turn)
	_ = c.core.SendMessage(protocol.SaveGameDoneMessage(playerID, name))
}

func (c *Coordinator) handleLoadGame(playerID int32, msg *protocol.Message) {
	if !c.requireHost(playerID, "load a game") {
		return
	}

	name := msg.Text()
	save, err := data.FindSavedGameByName(c.DB, name)
	if err != nil {
		c.Logger.Errorf("error loading game %q: %v", name, err)
		c.sendError(playerID, errors.New("the save could not be loaded"))
		return
	}
	if save == nil {
		c.sendError(playerID, fmt.Errorf("no save named %q exists", name))
		return
	}

	c.mu.Lock()
	c.state = StateRunning
	c.turn = save.Turn
	c.lastState = save.State
	c.gameName = save.GameName
	c.orders = make(map[int32][]byte)
	c.mu.Unlock()

	c.Logger.Infof("game %q loaded at turn %d", name, save.Turn)
	c.broadcast(func(id int32) *protocol.Message {
		return protocol.GameStartMessage(id, save.State)
	})
}

func (c *Coordinator) handleEndGame(playerID int32) {
	if !c.requireHost(playerID, "end the game") {
		return
	}

	c.broadcast(func(id int32) *protocol.Message {
		return &protocol.Message{Kind: protocol.KindEndGame, Sender: protocol.NoPlayer, Receiver: id}
	})

	c.mu.Lock()
	roster := c.rosterIDsLocked()
	c.state = StateLobby
	c.gameName = ""
	c.hostID = protocol.NoPlayer
	c.turn = 0
	c.lastState = nil
	c.roster = make(map[int32]string)
	c.orders = make(map[int32][]byte)
	c.mu.Unlock()

	for _, id := range roster {
		record, err := data.FindPlayerByID(c.DB, uint64(id))
		if err != nil || record == nil {
			continue
		}
		if err := data.RecordGamePlayed(c.DB, record); err != nil {
			c.Logger.Warnf("error recording finished game for player %d: %v", id, err)
		}
	}

	c.Logger.Info("game ended by the host; dumping all connections")
	c.core.DumpAllConnections()
}

func (c *Coordinator) handlePlayerExit(playerID int32) {
	c.mu.Lock()
	delete(c.roster, playerID)
	delete(c.orders, playerID)
	c.mu.Unlock()

	c.core.DumpPlayer(playerID)
	c.Logger.Infof("player %d left the game", playerID)
	c.broadcastLobby()
}

// OnConnectionClosed keeps the roster intact when an established player's
// transport drops, so the player can reconnect under the same id. Pending
// connections that die need no bookkeeping at all.
func (c *Coordinator) OnConnectionClosed(handle network.Handle, playerID int32, err error) {
	if playerID == protocol.NoPlayer {
		return
	}
	if err != nil {
		c.Logger.Infof("lost connection to player %d: %v", playerID, err)
	}
	c.broadcastLobby()
}

// rejectConnection tells the peer why it is being turned away, then dumps
// it. Error text is title-cased since it lands in the client's UI verbatim.
func (c *Coordinator) rejectConnection(handle network.Handle, err error) {
	text := cases.Title(language.English).String(err.Error())
	_ = c.core.SendRaw(handle, protocol.ErrorMessage(protocol.NoPlayer, text))
	c.core.DumpConnection(handle)
}

// sendError reports a refused operation back to an established player.
func (c *Coordinator) sendError(playerID int32, err error) {
	text := cases.Title(language.English).String(err.Error())
	_ = c.core.SendMessage(protocol.ErrorMessage(playerID, text))
}

func (c *Coordinator) requireHost(playerID int32, action string) bool {
	c.mu.Lock()
	isHost := playerID == c.hostID
	c.mu.Unlock()

	if !isHost {
		c.sendError(playerID, fmt.Errorf("only the host can %s", action))
	}
	return isHost
}

// broadcast sends a per-player message to every connected player.
func (c *Coordinator) broadcast(build func(playerID int32) *protocol.Message) {
	for id := range c.core.PlayerConnections() {
		if err := c.core.SendMessage(build(id)); err != nil {
			c.Logger.Warnf("error broadcasting to player %d: %v", id, err)
		}
	}
}

// broadcastLobby pushes the current roster to every connected player.
func (c *Coordinator) broadcastLobby() {
	connected := c.core.PlayerConnections()

	c.mu.Lock()
	lobby := &protocol.LobbyUpdate{GameName: c.gameName}
	for id, name := range c.roster {
		lobby.Players = append(lobby.Players, protocol.LobbyPlayer{
			ID:   id,
			Name: name,
			Host: id == c.hostID,
		})
	}
	c.mu.Unlock()

	sort.Slice(lobby.Players, func(i, j int) bool { return lobby.Players[i].ID < lobby.Players[j].ID })

	for id := range connected {
		if err := c.core.SendMessage(protocol.LobbyUpdateMessage(id, lobby)); err != nil {
			c.Logger.Warnf("error sending lobby update to player %d: %v", id, err)
		}
	}
}

// rosterIDsLocked must be called with c.mu held.
func (c *Coordinator) rosterIDsLocked() []int32 {
	ids := make([]int32, 0, len(c.roster))
	for id := range c.roster {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
