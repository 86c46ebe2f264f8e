package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/astrion/astrion/internal/protocol"
)

// PlayerData is supplied by the host application when it promotes a pending
// connection to a player.
type PlayerData struct {
	Name string
	Host bool
}

// The placeholder name a player carries until the host supplies a real one.
const unnamedPlayer = "???"

// PlayerConn is the host-visible view of an established player connection.
type PlayerConn struct {
	Handle   Handle
	PlayerID int32
	Name     string
	Host     bool
	Address  string
}

// Connected reports whether the entry is bound to a live connection.
func (p PlayerConn) Connected() bool { return p.Handle != 0 }

// PendingConn describes one accepted connection awaiting classification.
type PendingConn struct {
	Handle     Handle
	Address    string
	AcceptedAt time.Time
}

var (
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrHandleInUse        = errors.New("connection already bound to another player")
	ErrTooManyPending     = errors.New("too many pending connections")
	ErrTooManyConnections = errors.New("max connection limit reached")
)

// registry tracks every live connection and which ones are bound to players.
// A handle is either pending or established, never both, and the player table
// maps each player id to exactly one handle.
//
// The registry holds no lock of its own: the Server serializes access behind
// its mutex so that multi-step operations (dump + close + notify) stay
// atomic with respect to the tables.
type registry struct {
	pending map[Handle]*conn
	// Accepted-but-unclassified handles in arrival order, drained by
	// TakePending. Handles are erased when they leave the pending set, so
	// the list never outgrows it.
	arrivals []Handle

	players  map[int32]*playerEntry
	byHandle map[Handle]int32
}

type playerEntry struct {
	conn *conn
	data PlayerData
}

func newRegistry() *registry {
	return &registry{
		pending:  make(map[Handle]*conn),
		players:  make(map[int32]*playerEntry),
		byHandle: make(map[Handle]int32),
	}
}

// addPending records a freshly accepted connection. maxPending of 0 leaves
// the pending set unbounded.
func (r *registry) addPending(c *conn, maxPending int) error {
	if maxPending > 0 && len(r.pending) >= maxPending {
		return ErrTooManyPending
	}
	r.pending[c.handle] = c
	r.arrivals = append(r.arrivals, c.handle)
	return nil
}

// takePending drains the arrival list, returning the connections that are
// still pending in the order they were accepted.
func (r *registry) takePending() []PendingConn {
	var out []PendingConn
	for _, h := range r.arrivals {
		c, ok := r.pending[h]
		if !ok {
			continue
		}
		out = append(out, PendingConn{
			Handle:     h,
			Address:    c.ipAddr,
			AcceptedAt: c.acceptedAt,
		})
	}
	r.arrivals = nil
	return out
}

// establishPlayer binds handle to playerID. The handle must refer to a live
// connection: either one still pending or the one already bound to this same
// player (which makes re-establishing idempotent). Rebinding a player to a
// new handle is the reconnect path; the displaced connection is returned so
// the caller can close it.
func (r *registry) establishPlayer(handle Handle, playerID int32, data PlayerData) (displaced *conn, err error) {
	if data.Name == "" {
		data.Name = unnamedPlayer
	}

	if owner, ok := r.byHandle[handle]; ok {
		if owner != playerID {
			return nil, fmt.Errorf("connection %d is bound to player %d: %w", handle, owner, ErrHandleInUse)
		}
		// Same player, same handle: refresh the data and we're done.
		r.players[playerID].data = data
		return nil, nil
	}

	c, ok := r.pending[handle]
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", handle, ErrUnknownConnection)
	}

	if prev, ok := r.players[playerID]; ok {
		delete(r.byHandle, prev.conn.handle)
		displaced = prev.conn
	}

	delete(r.pending, handle)
	r.dropArrival(handle)
	r.players[playerID] = &playerEntry{conn: c, data: data}
	r.byHandle[handle] = playerID
	return displaced, nil
}

// dropArrival erases handle from the arrival list. Without this the list
// would grow by one entry per accept for the life of the process.
func (r *registry) dropArrival(handle Handle) {
	for i, h := range r.arrivals {
		if h == handle {
			r.arrivals = append(r.arrivals[:i], r.arrivals[i+1:]...)
			return
		}
	}
}

// removePlayer erases the entry for playerID and returns its connection.
func (r *registry) removePlayer(playerID int32) (*conn, bool) {
	entry, ok := r.players[playerID]
	if !ok {
		return nil, false
	}
	delete(r.players, playerID)
	delete(r.byHandle, entry.conn.handle)
	return entry.conn, true
}

// removeConnection erases the entry for handle, whether it is pending or
// established, and reports the player id it was bound to (NoPlayer if none).
func (r *registry) removeConnection(handle Handle) (*conn, int32, bool) {
	if c, ok := r.pending[handle]; ok {
		delete(r.pending, handle)
		r.dropArrival(handle)
		return c, protocol.NoPlayer, true
	}
	if playerID, ok := r.byHandle[handle]; ok {
		c, _ := r.removePlayer(playerID)
		return c, playerID, true
	}
	return nil, protocol.NoPlayer, false
}

// removeAll clears every table and returns all live connections for closing.
func (r *registry) removeAll() []*conn {
	conns := make([]*conn, 0, len(r.pending)+len(r.players))
	for _, c := range r.pending {
		conns = append(conns, c)
	}
	for _, entry := range r.players {
		conns = append(conns, entry.conn)
	}
	r.pending = make(map[Handle]*conn)
	r.arrivals = nil
	r.players = make(map[int32]*playerEntry)
	r.byHandle = make(map[Handle]int32)
	return conns
}

// playerFor resolves a handle to the player id it is bound to.
func (r *registry) playerFor(handle Handle) (int32, bool) {
	playerID, ok := r.byHandle[handle]
	return playerID, ok
}

// connFor resolves a player id to its live connection.
func (r *registry) connFor(playerID int32) (*conn, bool) {
	entry, ok := r.players[playerID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// snapshot returns a copy of the player table for host inspection.
func (r *registry) snapshot() map[int32]PlayerConn {
	out := make(map[int32]PlayerConn, len(r.players))
	for playerID, entry := range r.players {
		out[playerID] = PlayerConn{
			Handle:   entry.conn.handle,
			PlayerID: playerID,
			Name:     entry.data.Name,
			Host:     entry.data.Host,
			Address:  entry.conn.ipAddr,
		}
	}
	return out
}

// stalePending returns the pending connections accepted before cutoff.
func (r *registry) stalePending(cutoff time.Time) []*conn {
	var stale []*conn
	for _, c := range r.pending {
		if c.acceptedAt.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	return stale
}
