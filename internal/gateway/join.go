package gateway

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/engine"
	"github.com/cory-johannsen/roomhub/internal/integrity"
	"github.com/cory-johannsen/roomhub/internal/wire"
)

// RPC dialect opcodes, leading element of every outbound frame.
const (
	rpcOpResultOK  = 0
	rpcOpResultErr = 1
	rpcOpEvent     = 2
	rpcOpJoin      = 3
)

// Engine-level tags that the RPC dialect re-frames.
const (
	tagRPCEvent  = "$rpcEvent"
	tagRPCResult = "$rpcResult"
	tagRPC       = "$rpc"
)

// handleJoin serves GET /room/:roomId/join, the named-join streaming
// endpoint. All failures are reported through the socket: the handshake
// completes first, then validation runs, matching clients that only
// speak WebSocket on this path.
func (g *Gateway) handleJoin(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := newSocket(ws)
	ws.SetReadLimit(g.opts.MaxFrameBytes)

	roomID := c.Param("roomId")
	name := c.Query("name")
	raw := c.Query("raw") == "true"

	room := g.hub.Room(roomID)
	if room == nil {
		sock.Close(CloseError{Type: FailNotFound, Message: "room not found: " + roomID})
		return
	}
	if name == "" && !raw {
		sock.Close(CloseError{Type: FailFormat, Message: "name is required"})
		return
	}
	if supplied, has := c.GetQuery("integrity"); has {
		if !integrity.Equal(g.hub.RoomIntegrity(roomID), supplied) {
			sock.Close(CloseError{Type: FailIntegrity, Message: "room integrity mismatch: " + supplied})
			return
		}
	}

	var params any
	if rawParams := c.Query("params"); rawParams != "" {
		if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
			sock.Close(CloseError{Type: FailFormat, Message: "params is not valid JSON"})
			return
		}
	}

	conn := room.CreateConnection()
	var disposers []func()
	defer func() {
		for _, dispose := range disposers {
			dispose()
		}
	}()

	disposers = append(disposers, conn.Events.Disconnect.Subscribe(func(ev engine.DisconnectEvent) {
		if key := c.Query("errorLog"); key != "" && !isTrivialReason(ev.Reason) {
			g.diag.Put(key, ev.Reason)
		}
		sock.Close(CloseError{
			Type:    FailConnectionClosed,
			Message: g.encodeReason(ev.Reason),
		})
	}))
	disposers = append(disposers, conn.Events.Join.Subscribe(func(struct{}) {
		g.sendTuple(sock, rpcOpJoin, "join")
	}))
	disposers = append(disposers, conn.Events.Event.Subscribe(func(args []any) {
		if raw {
			g.sendTuple(sock, args...)
			return
		}
		if len(args) == 0 {
			return
		}
		tag, _ := args[0].(string)
		switch tag {
		case tagRPCEvent:
			g.sendTuple(sock, append([]any{rpcOpEvent}, args[1:]...)...)
		case tagRPCResult:
			// ($rpcResult, callId, errCode, result) re-frames to
			// (0|1, callId, result); unmatched shapes are dropped.
			if len(args) != 4 {
				return
			}
			op := rpcOpResultOK
			if code, ok := wire.Int64(args[2]); ok && code != 0 {
				op = rpcOpResultErr
			}
			g.sendTuple(sock, op, args[1], args[3])
		}
	}))

	if raw {
		entry, ok := params.([]any)
		if !ok && params != nil {
			sock.Close(CloseError{Type: FailFormat, Message: "params is not valid JSON array"})
			return
		}
		conn.Enter(entry...)
	} else {
		conn.Enter(name, c.Query("password"), params)
	}

	// A synchronous accept emits Join before Enter returns; the
	// subscription above already acknowledged it. A synchronous reject
	// leaves nothing to stream.
	if conn.Status() == engine.StatusClosed {
		sock.Close(CloseError{Type: FailConnectionClosed, Message: "room connection closed"})
		return
	}

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			break
		}
		if conn.Status() != engine.StatusJoined {
			sock.Close(CloseError{Type: FailStatus, Message: "client is not ready"})
			break
		}
		tuple, err := wire.Unmarshal(data)
		if err != nil {
			sock.Close(CloseError{Type: FailFormat, Message: "wrong WS message format"})
			break
		}
		if raw {
			conn.Message(tuple...)
			continue
		}
		// Inbound client frames are (callId, methodPath, args...).
		if len(tuple) < 2 {
			sock.Close(CloseError{Type: FailFormat, Message: "wrong WS message format"})
			break
		}
		if err := conn.Message(append([]any{tagRPC}, tuple...)...); err != nil {
			break
		}
	}

	conn.Leave(nil)
	sock.CloseQuiet()
}

// sendTuple marshals and sends one frame, logging encode failures.
func (g *Gateway) sendTuple(sock *socket, args ...any) {
	data, err := wire.Marshal(args...)
	if err != nil {
		g.logger.Warn("dropping unencodable frame", zap.Error(err))
		return
	}
	sock.SendBinary(data)
}
