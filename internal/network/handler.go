// Package network implements the Astrion server's connection engine: it
// accepts TCP connections, tracks them through the pending -> player
// lifecycle, frames Messages on and off the wire, answers UDP discovery
// probes, and routes decoded Messages to the host application.
//
// The package deliberately knows nothing about game rules. The host
// application (the game coordinator) plugs in through the Handler interface
// and drives the player lifecycle with EstablishPlayer and the Dump*
// operations.
package network

import "github.com/astrion/astrion/internal/protocol"

// Handler is the host application's seam into the network core. The server
// invokes these callbacks from connection goroutines, so implementations
// must be safe for concurrent use and must not block for long: a stalled
// handler stalls reads for that connection.
type Handler interface {
	// OnPlayerMessage delivers a message that arrived on a connection bound
	// to an established player. The sender id has already been verified to
	// match the connection's player.
	OnPlayerMessage(playerID int32, msg *protocol.Message)

	// OnNonPlayerMessage delivers a message from a connection that has not
	// been bound to a player: handshakes, status probes, or anything else
	// the host needs to classify. The host decides whether to establish the
	// connection as a player or dump it.
	OnNonPlayerMessage(handle Handle, msg *protocol.Message)

	// OnConnectionClosed reports that a connection was torn down by a
	// transport error or a remote close. playerID is protocol.NoPlayer if
	// the connection was never established. The handler is not invoked for
	// connections the host itself dumped.
	OnConnectionClosed(handle Handle, playerID int32, err error)
}
