package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/engine"
	"github.com/cory-johannsen/roomhub/internal/integrity"
	"github.com/cory-johannsen/roomhub/internal/wire"
)

// sessionState is the per-socket state machine for the dual-mode room
// endpoint. Events buffer during validating/pendingUpgrade and relay
// directly once streaming.
type sessionState int

const (
	stateValidating sessionState = iota
	statePendingUpgrade
	stateStreaming
	stateClosed
)

// decision is the outcome of the pre-upgrade race.
type decision int

const (
	decisionJoined decision = iota
	decisionRejected
	decisionClientGone
)

// session bridges one WebSocket lifecycle to one engine connection. It
// owns every engine subscription it installs and releases all of them
// on each terminal path exactly once.
type session struct {
	conn *engine.Connection

	mu     sync.Mutex
	state  sessionState
	buffer [][]any
	out    func(args []any)

	joinCh    chan struct{}
	discCh    chan engine.DisconnectEvent
	disposers []func()
}

// newSession creates the engine connection and installs its event,
// join, and disconnect subscriptions. The connection has not entered
// the room yet.
func newSession(room *engine.Room) *session {
	s := &session{
		conn:   room.CreateConnection(),
		joinCh: make(chan struct{}, 1),
		discCh: make(chan engine.DisconnectEvent, 1),
	}
	s.disposers = append(s.disposers,
		s.conn.Events.Event.Subscribe(s.onEvent),
		s.conn.Events.Join.Subscribe(func(struct{}) {
			select {
			case s.joinCh <- struct{}{}:
			default:
			}
		}),
		s.conn.Events.Disconnect.Subscribe(func(ev engine.DisconnectEvent) {
			select {
			case s.discCh <- ev:
			default:
			}
		}),
	)
	return s
}

func (s *session) onEvent(args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateStreaming:
		s.out(args)
	case stateClosed:
		// Dropped; the socket is gone.
	default:
		s.buffer = append(s.buffer, args)
	}
}

// enter admits the connection to the room and transitions to the
// pending-upgrade phase.
func (s *session) enter(params []any) {
	s.mu.Lock()
	s.state = statePendingUpgrade
	s.mu.Unlock()
	s.conn.Enter(params...)
}

// await races the engine's join/reject decision against the client
// abandoning the request. The synchronous-accept common case short-
// circuits without waiting.
func (s *session) await(ctx context.Context) (decision, engine.DisconnectEvent) {
	if s.conn.Status() == engine.StatusJoined {
		return decisionJoined, engine.DisconnectEvent{}
	}
	select {
	case <-s.joinCh:
		return decisionJoined, engine.DisconnectEvent{}
	case ev := <-s.discCh:
		return decisionRejected, ev
	case <-ctx.Done():
		return decisionClientGone, engine.DisconnectEvent{}
	}
}

// stream flushes the buffered events through send in original order and
// switches to direct relay. Holding the lock across the flush keeps the
// per-connection total order: a concurrently emitted event waits, then
// relays directly after the buffer has drained.
func (s *session) stream(send func(args []any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, args := range s.buffer {
		send(args)
	}
	s.buffer = nil
	s.out = send
	s.state = stateStreaming
}

// close releases every subscription the session installed. Idempotent;
// safe from any terminal path.
func (s *session) close() {
	s.mu.Lock()
	s.state = stateClosed
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()
	for _, dispose := range disposers {
		dispose()
	}
}

// handleRoom serves GET /room/:roomId in both modes: a plain request
// answers the room's public status; an upgrade request becomes a raw-
// dialect streaming session.
func (g *Gateway) handleRoom(c *gin.Context) {
	room, ok := g.resolveRoom(c)
	if !ok {
		return
	}

	if !websocket.IsWebSocketUpgrade(c.Request) {
		msg := room.PublicMessage()
		if msg == nil {
			g.failHTTP(c, CloseError{
				Type:    FailNotFound,
				Message: "room not found OR not public OR wrong room integrity",
			})
			return
		}
		c.JSON(http.StatusOK, *msg)
		return
	}

	params, perr := parseParamsArray(c.Query("params"))
	if perr != nil {
		g.failHTTP(c, CloseError{Type: FailFormat, Message: "params is not valid JSON array"})
		return
	}

	// Create the engine connection before the transport handshake: the
	// engine's accept/reject decision and the upgrade are independent
	// and may resolve in either order.
	sess := newSession(room)
	sess.enter(params)

	outcome, disc := sess.await(c.Request.Context())
	switch outcome {
	case decisionRejected:
		sess.close()
		g.rejectBeforeUpgrade(c, disc.Reason)
		return
	case decisionClientGone:
		sess.conn.Leave("client disconnected")
		sess.close()
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sess.conn.Leave("client disconnected")
		sess.close()
		return
	}
	sock := newSocket(ws)
	ws.SetReadLimit(g.opts.MaxFrameBytes)

	g.relaySession(c, sess, sock)
}

// relaySession runs the streaming phase: buffered flush, direct relay,
// inbound decode loop, and terminal cleanup.
func (g *Gateway) relaySession(c *gin.Context, sess *session, sock *socket) {
	errorLog := c.Query("errorLog")

	sess.stream(func(args []any) {
		data, err := wire.Marshal(args...)
		if err != nil {
			g.logger.Warn("dropping unencodable event", zap.Error(err))
			return
		}
		sock.SendBinary(data)
	})

	// Engine-side disconnect after streaming has begun closes the
	// socket with the engine's reason.
	done := make(chan struct{})
	go func() {
		select {
		case ev := <-sess.discCh:
			if !isTrivialReason(ev.Reason) && errorLog != "" {
				g.diag.Put(errorLog, ev.Reason)
			}
			sock.Close(CloseError{
				Type:    FailConnectionClosed,
				Message: g.encodeReason(ev.Reason),
			})
		case <-done:
		}
	}()

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			break
		}
		tuple, err := wire.Unmarshal(data)
		if err != nil {
			sock.Close(CloseError{Type: FailFormat, Message: "wrong WS message format"})
			break
		}
		if err := sess.conn.Message(tuple...); err != nil {
			// The engine already closed the connection; the disconnect
			// path owns the close frame.
			break
		}
	}

	close(done)
	sess.conn.Leave(nil)
	sess.close()
	sock.CloseQuiet()
}

// resolveRoom validates room existence and the integrity gate shared by
// both modes of the dual-mode endpoint. A missing room and a tag
// mismatch are indistinguishable by design.
func (g *Gateway) resolveRoom(c *gin.Context) (*engine.Room, bool) {
	roomID := c.Param("roomId")
	room := g.hub.Room(roomID)
	tag := g.hub.RoomIntegrity(roomID)
	supplied := c.Query("integrity")

	needCheck := tag != "" || supplied != ""
	if room == nil || (needCheck && !integrity.Equal(tag, supplied)) {
		g.failHTTP(c, CloseError{
			Type:    FailNotFound,
			Message: "room not found OR not public OR wrong room integrity",
		})
		return nil, false
	}
	return room, true
}

// rejectBeforeUpgrade surfaces an engine rejection that happened before
// the transport handshake: a plain HTTP failure carrying the engine's
// reason, with structured reasons parked in the diagnostics cache.
func (g *Gateway) rejectBeforeUpgrade(c *gin.Context, reason any) {
	ce := CloseError{
		Type:    FailConnectionClosed,
		Message: g.encodeReason(reason),
	}
	if key := c.Query("errorLog"); key != "" {
		// Structured reasons park verbatim so the client can fetch the
		// full detail; trivial ones park the response body as-is.
		if isTrivialReason(reason) {
			g.diag.Put(key, ce)
		} else {
			g.diag.Put(key, reason)
		}
	}
	c.AbortWithStatusJSON(httpStatus(ce.Type), ce)
}

// parseParamsArray decodes the params query value as a JSON array.
// Absent params mean no entry arguments.
func parseParamsArray(raw string) ([]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params []any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}
