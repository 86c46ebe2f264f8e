// Package protocol defines the Message unit exchanged between the Astrion
// server and its clients, along with the framing codec that carries Messages
// over a TCP byte stream.
package protocol

import "fmt"

// Kind identifies what a Message is for and how its body should be read.
type Kind uint16

const (
	KindInvalid Kind = iota
	// KindHostGame is sent by the first client to claim the hosted game.
	// The server answers with a KindJoinGame ack carrying the assigned id.
	KindHostGame
	// KindJoinGame is a join request from a client (body: JoinGameRequest)
	// or, server to client, the acknowledgment (body: JoinAck).
	KindJoinGame
	// KindLobbyUpdate carries the current roster to all established players.
	KindLobbyUpdate
	// KindGameStart tells players the game has begun (body: opaque state).
	KindGameStart
	// KindTurnOrders carries one player's orders for the current turn.
	KindTurnOrders
	// KindTurnProgress reports turn-processing phase changes.
	KindTurnProgress
	// KindTurnUpdate carries the post-turn state snapshot.
	KindTurnUpdate
	KindChat
	KindSaveGame
	KindLoadGame
	KindEndGame
	KindPlayerExit
	// KindServerStatus requests or carries a ServerStatus document.
	KindServerStatus
	KindError
)

var kindNames = map[Kind]string{
	KindInvalid:      "INVALID",
	KindHostGame:     "HOST_GAME",
	KindJoinGame:     "JOIN_GAME",
	KindLobbyUpdate:  "LOBBY_UPDATE",
	KindGameStart:    "GAME_START",
	KindTurnOrders:   "TURN_ORDERS",
	KindTurnProgress: "TURN_PROGRESS",
	KindTurnUpdate:   "TURN_UPDATE",
	KindChat:         "CHAT",
	KindSaveGame:     "SAVE_GAME",
	KindLoadGame:     "LOAD_GAME",
	KindEndGame:      "END_GAME",
	KindPlayerExit:   "PLAYER_EXIT",
	KindServerStatus: "SERVER_STATUS",
	KindError:        "ERROR",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint16(k))
}

// Flags qualify how a Message should be handled by the receiving side.
type Flags uint16

const (
	// FlagSynchronous marks a request whose sender is blocked waiting for
	// a reply of a specific Kind.
	FlagSynchronous Flags = 1 << iota
	// FlagResponse marks the reply to a synchronous request.
	FlagResponse
)

// NoPlayer is the player id used for messages originated by the server
// itself and for clients that have not been assigned an id yet.
const NoPlayer int32 = -1

// Message is the routable unit of the wire protocol. Sender and Receiver
// are player ids; NoPlayer addresses the server. The body is opaque to the
// networking layer: text for chat, JSON for handshake/roster documents, or
// a serialized game-state document for turn snapshots.
type Message struct {
	Kind     Kind
	Flags    Flags
	Sender   int32
	Receiver int32
	Body     []byte
}

// Text returns the body interpreted as a string.
func (m *Message) Text() string {
	return string(m.Body)
}

// Synchronous reports whether the sender expects a blocking reply.
func (m *Message) Synchronous() bool {
	return m.Flags&FlagSynchronous != 0
}

func (m *Message) String() string {
	return fmt.Sprintf("%s sender=%d receiver=%d len=%d", m.Kind, m.Sender, m.Receiver, len(m.Body))
}
