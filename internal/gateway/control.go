package gateway

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/engine"
	"github.com/cory-johannsen/roomhub/internal/integrity"
	"github.com/cory-johannsen/roomhub/internal/wire"
)

// Control channel outbound opcodes, sent from the room to the operator.
const (
	ctrlEventInit              = 0
	ctrlEventMessageChange     = 1
	ctrlEventConnectionJoin    = 2
	ctrlEventConnectionEnter   = 3
	ctrlEventConnectionMessage = 4
	ctrlEventConnectionClosed  = 5
)

// Control channel inbound opcodes, sent from the operator to the room.
const (
	ctrlActionJoin      = 0
	ctrlActionKick      = 1
	ctrlActionPublicMsg = 2
	ctrlActionDestroy   = 3
	ctrlActionSend      = 4
	ctrlActionBroadcast = 5
)

// handleControlChannel serves GET /room/ws: the administrative socket
// that creates a room and owns its lifetime. The operator receives the
// room's event surface wrapped in opcodes and drives membership through
// command frames.
func (g *Gateway) handleControlChannel(c *gin.Context) {
	tag := c.Query("integrity")
	if tag != "" && !integrity.IsCustom(tag) {
		g.failHTTP(c, CloseError{
			Type:    FailFormat,
			Message: "integrity must start with " + integrity.CustomPrefix,
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := newSocket(ws)
	ws.SetReadLimit(g.opts.MaxFrameBytes)

	room := engine.NewRoom()
	if msg, has := c.GetQuery("message"); has {
		room.SetPublicMessage(&msg)
	}

	roomID, ok := g.hub.AddRoom(room, tag)
	if !ok {
		sock.Close(CloseError{Type: FailConnectionClosed, Message: "can not create room"})
		return
	}

	send := func(opcode int64, args ...any) {
		g.sendTuple(sock, append([]any{opcode}, args...)...)
	}

	disposers := []func(){
		room.Events.MessageChange.Subscribe(func(ev engine.MessageChangeEvent) {
			send(ctrlEventMessageChange, messageValue(ev.New), messageValue(ev.Old))
		}),
		room.Events.ConnectionJoin.Subscribe(func(conn *engine.Connection) {
			send(ctrlEventConnectionJoin, conn.ID())
		}),
		room.Events.ConnectionEnter.Subscribe(func(conn *engine.Connection) {
			send(ctrlEventConnectionEnter, conn.ID())
		}),
		room.Events.ConnectionMessage.Subscribe(func(ev engine.ConnectionMessageEvent) {
			send(ctrlEventConnectionMessage, append([]any{ev.Conn.ID()}, ev.Args...)...)
		}),
		room.Events.ConnectionClosed.Subscribe(func(conn *engine.Connection) {
			send(ctrlEventConnectionClosed, conn.ID())
		}),
		room.Events.Destroy.Subscribe(func(struct{}) {
			sock.Close(CloseError{Type: FailConnectionClosed, Message: "room destroyed"})
		}),
	}

	send(ctrlEventInit, roomID, messageValue(room.PublicMessage()), tagValue(tag))

	log := g.logger.With(zap.String("room_id", roomID))
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			break
		}
		if err := g.dispatchControl(room, data); err != nil {
			// The operator channel is trusted; a bad frame is logged
			// and skipped rather than fatal.
			log.Warn("ignoring control frame", zap.Error(err))
		}
	}

	for _, dispose := range disposers {
		dispose()
	}
	room.Destroy()
	sock.CloseQuiet()
}

// dispatchControl decodes and applies one operator command frame.
func (g *Gateway) dispatchControl(room *engine.Room, data []byte) error {
	tuple, err := wire.Unmarshal(data)
	if err != nil {
		return err
	}
	if len(tuple) == 0 {
		return fmt.Errorf("empty command tuple")
	}
	opcode, ok := wire.Int64(tuple[0])
	if !ok {
		return fmt.Errorf("command opcode is not a number")
	}
	args := tuple[1:]

	switch opcode {
	case ctrlActionJoin:
		// Each argument is one lobby connection id.
		ids := make(map[int64]bool, len(args))
		for _, arg := range args {
			id, ok := wire.Int64(arg)
			if !ok {
				return fmt.Errorf("join id is not a number")
			}
			ids[id] = true
		}
		for _, conn := range room.LobbyConnections() {
			if ids[conn.ID()] {
				room.Join(conn)
			}
		}
	case ctrlActionKick:
		if len(args) == 0 {
			return fmt.Errorf("kick needs a connection id")
		}
		ids, ok := wire.Int64List(args[0])
		if !ok {
			return fmt.Errorf("kick id is not a number or list")
		}
		var reason any
		if len(args) > 1 && args[1] != nil {
			reason = fmt.Sprint(args[1])
		}
		targets := idSet(ids)
		for _, conn := range append(room.LobbyConnections(), room.JoinedConnections()...) {
			if targets[conn.ID()] {
				room.Kick(conn, reason)
			}
		}
	case ctrlActionPublicMsg:
		if len(args) == 0 || args[0] == nil {
			room.SetPublicMessage(nil)
			return nil
		}
		msg := fmt.Sprint(args[0])
		room.SetPublicMessage(&msg)
	case ctrlActionDestroy:
		room.Destroy()
	case ctrlActionSend:
		if len(args) == 0 {
			return fmt.Errorf("send needs a connection id")
		}
		ids, ok := wire.Int64List(args[0])
		if !ok {
			return fmt.Errorf("send id is not a number or list")
		}
		targets := idSet(ids)
		for _, conn := range room.JoinedConnections() {
			if targets[conn.ID()] {
				conn.SendEvent(args[1:]...)
			}
		}
	case ctrlActionBroadcast:
		for _, conn := range room.JoinedConnections() {
			conn.SendEvent(args...)
		}
	default:
		return fmt.Errorf("unknown command opcode %d", opcode)
	}
	return nil
}

// idSet folds an id list into a set, silently deduplicating.
func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// messageValue renders an optional public message for a frame slot.
func messageValue(msg *string) any {
	if msg == nil {
		return nil
	}
	return *msg
}

// tagValue renders an optional integrity tag for a frame slot.
func tagValue(tag string) any {
	if tag == "" {
		return nil
	}
	return tag
}
