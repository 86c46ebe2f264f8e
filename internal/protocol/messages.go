package protocol

import "encoding/json"

// DiscoveryMagic is the payload a client broadcasts over UDP to ask whether
// a server is listening. Servers answer with a JSON-encoded ServerStatus.
const DiscoveryMagic = "ASTRION_DISCOVER"

// Structured message bodies. These are small JSON documents; large payloads
// (orders, state snapshots) stay opaque byte slices owned by the game layer.

// HostGameRequest is the body of a client KindHostGame message.
type HostGameRequest struct {
	PlayerName string `json:"player_name"`
	GameName   string `json:"game_name"`
}

// JoinGameRequest is the body of a client KindJoinGame message.
type JoinGameRequest struct {
	PlayerName string `json:"player_name"`
}

// JoinAck is the body of the server's KindJoinGame reply. It tells the
// client which player id the server bound its connection to.
type JoinAck struct {
	PlayerID int32 `json:"player_id"`
	Host     bool  `json:"host"`
}

// LobbyPlayer is one roster entry inside a LobbyUpdate.
type LobbyPlayer struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
	Host bool   `json:"host"`
}

// LobbyUpdate is the body of a KindLobbyUpdate broadcast.
type LobbyUpdate struct {
	GameName string        `json:"game_name"`
	Players  []LobbyPlayer `json:"players"`
}

// TurnProgress is the body of a KindTurnProgress broadcast.
type TurnProgress struct {
	Phase    string `json:"phase"`
	PlayerID int32  `json:"player_id"`
}

// ServerStatus describes a running server. It doubles as the payload of
// KindServerStatus replies and of UDP discovery responses.
type ServerStatus struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
	Players int    `json:"players"`
	Turn    uint32 `json:"turn"`
}

// Message constructors. Clients and the server build outbound messages
// through these instead of filling in Message fields by hand.

func HostGameMessage(playerName, gameName string) *Message {
	body, _ := json.Marshal(&HostGameRequest{PlayerName: playerName, GameName: gameName})
	return &Message{Kind: KindHostGame, Sender: NoPlayer, Receiver: NoPlayer, Body: body}
}

func JoinGameMessage(playerName string) *Message {
	body, _ := json.Marshal(&JoinGameRequest{PlayerName: playerName})
	return &Message{Kind: KindJoinGame, Sender: NoPlayer, Receiver: NoPlayer, Body: body}
}

func JoinAckMessage(receiver int32, host bool) *Message {
	body, _ := json.Marshal(&JoinAck{PlayerID: receiver, Host: host})
	return &Message{Kind: KindJoinGame, Flags: FlagResponse, Sender: NoPlayer, Receiver: receiver, Body: body}
}

func LobbyUpdateMessage(receiver int32, lobby *LobbyUpdate) *Message {
	body, _ := json.Marshal(lobby)
	return &Message{Kind: KindLobbyUpdate, Sender: NoPlayer, Receiver: receiver, Body: body}
}

func GameStartMessage(receiver int32, state []byte) *Message {
	return &Message{Kind: KindGameStart, Sender: NoPlayer, Receiver: receiver, Body: state}
}

func TurnOrdersMessage(sender int32, orders []byte) *Message {
	return &Message{Kind: KindTurnOrders, Sender: sender, Receiver: NoPlayer, Body: orders}
}

func TurnProgressMessage(receiver int32, phase string, playerID int32) *Message {
	body, _ := json.Marshal(&TurnProgress{Phase: phase, PlayerID: playerID})
	return &Message{Kind: KindTurnProgress, Sender: NoPlayer, Receiver: receiver, Body: body}
}

func TurnUpdateMessage(receiver int32, state []byte) *Message {
	return &Message{Kind: KindTurnUpdate, Sender: NoPlayer, Receiver: receiver, Body: state}
}

func ChatMessage(sender, receiver int32, text string) *Message {
	return &Message{Kind: KindChat, Sender: sender, Receiver: receiver, Body: []byte(text)}
}

// SaveGameMessage asks the server to persist the game under name. The
// sender blocks until the server confirms with a FlagResponse KindSaveGame.
func SaveGameMessage(sender int32, name string) *Message {
	return &Message{Kind: KindSaveGame, Flags: FlagSynchronous, Sender: sender, Receiver: NoPlayer, Body: []byte(name)}
}

func SaveGameDoneMessage(receiver int32, name string) *Message {
	return &Message{Kind: KindSaveGame, Flags: FlagResponse, Sender: NoPlayer, Receiver: receiver, Body: []byte(name)}
}

func LoadGameMessage(sender int32, name string) *Message {
	return &Message{Kind: KindLoadGame, Sender: sender, Receiver: NoPlayer, Body: []byte(name)}
}

func EndGameMessage(sender int32) *Message {
	return &Message{Kind: KindEndGame, Sender: sender, Receiver: NoPlayer}
}

func PlayerExitMessage(receiver int32) *Message {
	return &Message{Kind: KindPlayerExit, Sender: NoPlayer, Receiver: receiver}
}

func ServerStatusRequestMessage() *Message {
	return &Message{Kind: KindServerStatus, Flags: FlagSynchronous, Sender: NoPlayer, Receiver: NoPlayer}
}

func ServerStatusMessage(receiver int32, status *ServerStatus) *Message {
	body, _ := json.Marshal(status)
	return &Message{Kind: KindServerStatus, Flags: FlagResponse, Sender: NoPlayer, Receiver: receiver, Body: body}
}

func ErrorMessage(receiver int32, text string) *Message {
	return &Message{Kind: KindError, Sender: NoPlayer, Receiver: receiver, Body: []byte(text)}
}
