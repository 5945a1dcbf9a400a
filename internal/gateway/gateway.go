package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/diag"
	"github.com/cory-johannsen/roomhub/internal/engine"
)

// Options tunes protocol-level limits.
type Options struct {
	// ReasonLimit is the rune bound on string disconnect reasons before
	// they collapse to the too-long sentinel.
	ReasonLimit int
	// MaxFrameBytes bounds inbound WebSocket frames.
	MaxFrameBytes int64
	// RoomIdleTTL is the idle window before a script room self-destroys.
	RoomIdleTTL time.Duration
	// ScriptInstructionLimit bounds Lua opcodes per script entry point.
	ScriptInstructionLimit int
	// ScriptQueueSize bounds the async controller dispatch queue.
	ScriptQueueSize int
	// Version is reported by the info endpoint.
	Version string
}

func (o Options) withDefaults() Options {
	if o.ReasonLimit <= 0 {
		o.ReasonLimit = 512
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	if o.RoomIdleTTL <= 0 {
		o.RoomIdleTTL = engine.DefaultIdleTTL
	}
	return o
}

// Gateway holds the process-wide state behind the HTTP/WS surface: the
// room directory, the diagnostics cache, and the logger registry.
type Gateway struct {
	hub     *engine.Hub
	diag    *diag.Cache
	loggers *LoggerRegistry
	logger  *zap.Logger
	opts    Options
}

// New creates a Gateway.
//
// Precondition: hub, cache, and logger must be non-nil.
func New(hub *engine.Hub, cache *diag.Cache, logger *zap.Logger, opts Options) *Gateway {
	return &Gateway{
		hub:     hub,
		diag:    cache,
		loggers: NewLoggerRegistry(logger),
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// Routes registers the full endpoint surface on r.
func (g *Gateway) Routes(r *gin.Engine) {
	r.GET("/", g.handleInfo)
	r.POST("/room", g.handleRoomRedirect)
	r.POST("/room/script", g.handleCreateScriptRoom)
	r.GET("/room/ws", g.handleControlChannel)
	r.GET("/room/:roomId", g.handleRoom)
	r.GET("/room/:roomId/join", g.handleJoin)
	r.GET("/rooms/:integrity", g.handleRoomsByIntegrity)
	r.GET("/log", g.handleRegisterLogger)
	r.GET("/log/:loggerId", g.handleRegisterNamedLogger)
	r.GET("/error/:key", g.handleTakeError)
}

// Shutdown releases process-wide gateway state.
func (g *Gateway) Shutdown() {
	g.diag.Clear()
}

// handleInfo reports server identity and limits.
func (g *Gateway) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "roomhub",
		"version": g.opts.Version,
		"limits": gin.H{
			"reason":       g.opts.ReasonLimit,
			"frame_bytes":  g.opts.MaxFrameBytes,
			"room_idle_ms": g.opts.RoomIdleTTL.Milliseconds(),
		},
	})
}

// handleTakeError is the one-shot diagnostics retrieval endpoint: the
// first read of a key returns its payload and deletes it.
func (g *Gateway) handleTakeError(c *gin.Context) {
	value, ok := g.diag.Take(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, CloseError{
			Type:    FailNotFound,
			Message: "no error payload for this key",
		})
		return
	}
	c.JSON(http.StatusOK, value)
}

// handleRoomRedirect keeps the legacy creation path alive.
func (g *Gateway) handleRoomRedirect(c *gin.Context) {
	c.Redirect(http.StatusPermanentRedirect, "/room/script")
}
