package game

import (
	"encoding/json"
	"time"
)

// TurnProcessor produces the game-state documents the coordinator broadcasts.
// The documents are opaque to the networking layer; real turn simulation
// lives behind this interface and is not this repository's concern.
type TurnProcessor interface {
	// InitialState produces the starting snapshot for the given players.
	InitialState(players []int32) ([]byte, error)
	// AdvanceTurn consumes every player's orders for one turn and produces
	// the post-turn snapshot.
	AdvanceTurn(turn uint32, orders map[int32][]byte) ([]byte, error)
}

// CollatingTurnProcessor is the default TurnProcessor: it performs no
// simulation, just collates the submitted orders into a turn document so the
// full message flow can run end to end.
type CollatingTurnProcessor struct{}

type turnDocument struct {
	Turn        uint32           `json:"turn"`
	GeneratedAt time.Time        `json:"generated_at"`
	Players     []int32          `json:"players,omitempty"`
	Orders      map[int32]string `json:"orders,omitempty"`
}

func (CollatingTurnProcessor) InitialState(players []int32) ([]byte, error) {
	return json.Marshal(&turnDocument{Turn: 0, GeneratedAt: time.Now(), Players: players})
}

func (CollatingTurnProcessor) AdvanceTurn(turn uint32, orders map[int32][]byte) ([]byte, error) {
	doc := &turnDocument{Turn: turn, GeneratedAt: time.Now(), Orders: make(map[int32]string, len(orders))}
	for playerID, body := range orders {
		doc.Orders[playerID] = string(body)
	}
	return json.Marshal(doc)
}
