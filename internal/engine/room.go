package engine

import "sync"

// MessageChangeEvent reports a public message transition.
type MessageChangeEvent struct {
	New *string
	Old *string
}

// ConnectionMessageEvent carries a tuple received from a joined connection.
type ConnectionMessageEvent struct {
	Conn *Connection
	Args []any
}

// RoomEvents is the room-level event surface.
type RoomEvents struct {
	MessageChange     Emitter[MessageChangeEvent]
	ConnectionJoin    Emitter[*Connection]
	ConnectionEnter   Emitter[*Connection]
	ConnectionMessage Emitter[ConnectionMessageEvent]
	ConnectionClosed  Emitter[*Connection]
	Destroy           Emitter[struct{}]
}

// Room owns a group of connections, a discoverable public message, and
// the event stream the gateway relays. All methods are safe for
// concurrent use. Event handlers run synchronously on the calling
// goroutine, after the room lock is released, so a handler may re-enter
// room methods (a controller joining a connection from inside its
// ConnectionJoin handler observes the join before Enter returns).
type Room struct {
	mu         sync.Mutex
	nextConnID int64
	lobby      map[int64]*Connection
	joined     map[int64]*Connection
	message    *string
	destroyed  bool

	// Events is the room's event surface.
	Events RoomEvents
}

// NewRoom creates an empty private room (no public message).
func NewRoom() *Room {
	return &Room{
		lobby:  make(map[int64]*Connection),
		joined: make(map[int64]*Connection),
	}
}

// PublicMessage returns the discoverable status message, or nil when the
// room is private.
func (r *Room) PublicMessage() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.message
}

// SetPublicMessage sets or clears (nil) the public message and emits
// MessageChange when the value changes.
func (r *Room) SetPublicMessage(msg *string) {
	r.mu.Lock()
	if r.destroyed || equalMessage(r.message, msg) {
		r.mu.Unlock()
		return
	}
	old := r.message
	r.message = msg
	r.mu.Unlock()
	r.Events.MessageChange.Emit(MessageChangeEvent{New: msg, Old: old})
}

func equalMessage(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Destroyed reports whether Destroy has run.
func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// CreateConnection allocates a connection handle. The connection holds
// no room resources until Enter admits it to the lobby.
func (r *Room) CreateConnection() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextConnID++
	return &Connection{id: r.nextConnID, room: r}
}

// LobbyConnections returns a snapshot of the lobby.
func (r *Room) LobbyConnections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.lobby)
}

// JoinedConnections returns a snapshot of the joined set.
func (r *Room) JoinedConnections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.joined)
}

// ConnectionCount returns the number of lobby plus joined connections.
func (r *Room) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lobby) + len(r.joined)
}

func snapshot(m map[int64]*Connection) []*Connection {
	out := make([]*Connection, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// Join promotes a lobby connection to full membership, firing the
// connection's Join event and the room's ConnectionEnter event.
// Joining a connection that is not in the lobby is a no-op.
func (r *Room) Join(conn *Connection) {
	r.mu.Lock()
	if r.destroyed || conn.status != StatusLobby {
		r.mu.Unlock()
		return
	}
	delete(r.lobby, conn.id)
	r.joined[conn.id] = conn
	conn.status = StatusJoined
	r.mu.Unlock()

	conn.Events.Join.Emit(struct{}{})
	r.Events.ConnectionEnter.Emit(conn)
}

// Kick closes a lobby or joined connection with the given reason.
func (r *Room) Kick(conn *Connection, reason any) {
	r.close(conn, reason)
}

// Destroy tears the room down: every connection closes with reason
// "room destroyed", then the Destroy event fires once. Idempotent.
func (r *Room) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	conns := append(snapshot(r.lobby), snapshot(r.joined)...)
	r.mu.Unlock()

	for _, conn := range conns {
		r.close(conn, "room destroyed")
	}
	r.Events.Destroy.Emit(struct{}{})
}

func (r *Room) enter(conn *Connection, args []any) {
	r.mu.Lock()
	if conn.status != StatusNew {
		r.mu.Unlock()
		return
	}
	if r.destroyed {
		conn.status = StatusClosed
		r.mu.Unlock()
		conn.Events.Disconnect.Emit(DisconnectEvent{WasOnline: false, Reason: "room destroyed"})
		return
	}
	conn.status = StatusLobby
	conn.enterArgs = args
	r.lobby[conn.id] = conn
	r.mu.Unlock()

	r.Events.ConnectionJoin.Emit(conn)
}

func (r *Room) sendMessage(conn *Connection, args []any) error {
	r.mu.Lock()
	if conn.status != StatusJoined {
		r.mu.Unlock()
		return ErrNotJoined
	}
	r.mu.Unlock()
	r.Events.ConnectionMessage.Emit(ConnectionMessageEvent{Conn: conn, Args: args})
	return nil
}

func (r *Room) sendEvent(conn *Connection, args []any) {
	r.mu.Lock()
	joined := conn.status == StatusJoined
	r.mu.Unlock()
	if !joined {
		return
	}
	conn.Events.Event.Emit(args)
}

// close finishes a connection from either side. No-op when the
// connection never entered or is already closed.
func (r *Room) close(conn *Connection, reason any) {
	r.mu.Lock()
	if conn.status != StatusLobby && conn.status != StatusJoined {
		r.mu.Unlock()
		return
	}
	wasOnline := conn.status == StatusJoined
	delete(r.lobby, conn.id)
	delete(r.joined, conn.id)
	conn.status = StatusClosed
	r.mu.Unlock()

	conn.Events.Disconnect.Emit(DisconnectEvent{WasOnline: wasOnline, Reason: reason})
	r.Events.ConnectionClosed.Emit(conn)
}
