package gateway

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/engine"
	"github.com/cory-johannsen/roomhub/internal/scripting"
	"github.com/cory-johannsen/roomhub/internal/wire"
)

// RoomLogger forwards diagnostic frames for one attached observer
// socket. Frames are tuples (roomId, category, data...) so one logger
// fed by many rooms can disambiguate.
type RoomLogger struct {
	sock   *socket
	logger *zap.Logger
}

// Log sends one best-effort diagnostic frame. When the payload cannot
// be encoded, a frame tagged as an encoding error naming the offending
// category is sent instead of dropping the message silently.
func (l *RoomLogger) Log(roomID, category string, data ...any) {
	frame, err := wire.Marshal(append([]any{roomID, category}, data...)...)
	if err != nil {
		frame, err = wire.Marshal(roomID, "error", category)
		if err != nil {
			l.logger.Warn("logger frame not encodable", zap.Error(err))
			return
		}
	}
	l.sock.SendBinary(frame)
}

// attach subscribes the logger to room's lifecycle events and, when a
// script controller is supplied, its console output. Returns a disposer
// releasing every subscription.
func (l *RoomLogger) attach(roomID string, room *engine.Room, ctrl *scripting.Controller) func() {
	disposers := []func(){
		room.Events.MessageChange.Subscribe(func(ev engine.MessageChangeEvent) {
			l.Log(roomID, "room", "messageChange", messageValue(ev.New), messageValue(ev.Old))
		}),
		room.Events.ConnectionJoin.Subscribe(func(conn *engine.Connection) {
			l.Log(roomID, "room", "connectionJoin", conn.ID())
		}),
		room.Events.ConnectionEnter.Subscribe(func(conn *engine.Connection) {
			l.Log(roomID, "room", "connectionEnter", conn.ID())
		}),
		room.Events.ConnectionMessage.Subscribe(func(ev engine.ConnectionMessageEvent) {
			l.Log(roomID, "room", append([]any{"connectionMessage", ev.Conn.ID()}, ev.Args...)...)
		}),
		room.Events.ConnectionClosed.Subscribe(func(conn *engine.Connection) {
			l.Log(roomID, "room", "connectionClosed", conn.ID())
		}),
		room.Events.Destroy.Subscribe(func(struct{}) {
			l.Log(roomID, "room", "destroy")
		}),
	}
	if ctrl != nil {
		disposers = append(disposers, ctrl.Console.Subscribe(func(ev scripting.ConsoleEvent) {
			l.Log(roomID, "script", append([]any{"console", ev.Level}, ev.Args...)...)
		}))
	}
	return func() {
		for _, dispose := range disposers {
			dispose()
		}
	}
}

// LoggerRegistry maps loggerIds to their observer sockets. At most
// one open socket per id; a registration is removed, and all of its
// room subscriptions released, when its socket closes or errors.
type LoggerRegistry struct {
	logger *zap.Logger

	mu        sync.Mutex
	loggers   map[string]*RoomLogger
	disposers map[string][]func()
}

// NewLoggerRegistry creates an empty registry.
func NewLoggerRegistry(logger *zap.Logger) *LoggerRegistry {
	return &LoggerRegistry{
		logger:    logger,
		loggers:   make(map[string]*RoomLogger),
		disposers: make(map[string][]func()),
	}
}

// Register binds id to a new RoomLogger on sock.
func (r *LoggerRegistry) Register(id string, sock *socket) (*RoomLogger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.loggers[id]; taken {
		return nil, fmt.Errorf("logger with this id already in use")
	}
	l := &RoomLogger{sock: sock, logger: r.logger}
	r.loggers[id] = l
	return l, nil
}

// Attach subscribes the logger registered under id to a room. Unknown
// ids are a silent no-op (the creation endpoint treats the logger field
// as best-effort). The subscriptions release when the logger unregisters.
func (r *LoggerRegistry) Attach(id, roomID string, room *engine.Room, ctrl *scripting.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loggers[id]
	if !ok {
		return
	}
	r.disposers[id] = append(r.disposers[id], l.attach(roomID, room, ctrl))
}

// Remove unregisters id and releases its room subscriptions. Removing
// an unknown id is a no-op.
func (r *LoggerRegistry) Remove(id string) {
	r.mu.Lock()
	disposers := r.disposers[id]
	delete(r.disposers, id)
	delete(r.loggers, id)
	r.mu.Unlock()
	for _, dispose := range disposers {
		dispose()
	}
}

// Len returns the number of registered loggers.
func (r *LoggerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loggers)
}

// handleRegisterLogger serves GET /log: registers an observer under a
// generated id and sends the id as the first (text) frame.
func (g *Gateway) handleRegisterLogger(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := newSocket(ws)

	id := uuid.NewString()
	if _, err := g.loggers.Register(id, sock); err != nil {
		sock.Close(CloseError{Type: FailError, Message: err.Error()})
		return
	}
	sock.SendText([]byte(id))
	g.runLoggerSocket(sock, id)
}

// handleRegisterNamedLogger serves GET /log/:loggerId with a caller-
// chosen id; duplicates are rejected on the socket.
func (g *Gateway) handleRegisterNamedLogger(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sock := newSocket(ws)

	id := c.Param("loggerId")
	if _, err := g.loggers.Register(id, sock); err != nil {
		sock.Close(CloseError{Type: FailError, Message: err.Error()})
		return
	}
	g.runLoggerSocket(sock, id)
}

// runLoggerSocket parks on the observer socket until it closes, then
// unregisters. Observers only listen; inbound frames are discarded.
func (g *Gateway) runLoggerSocket(sock *socket, id string) {
	for {
		if _, _, err := sock.conn.ReadMessage(); err != nil {
			break
		}
	}
	g.loggers.Remove(id)
	sock.CloseQuiet()
}
