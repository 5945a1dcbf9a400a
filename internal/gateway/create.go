package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/engine"
	"github.com/cory-johannsen/roomhub/internal/integrity"
	"github.com/cory-johannsen/roomhub/internal/scripting"
)

// createScriptRoomRequest is the POST /room/script body.
type createScriptRoomRequest struct {
	Module scripting.Module `json:"module" binding:"required"`
	// Integrity is absent, a bool (true = tag with the computed module
	// hash), or a string the caller believes is that hash.
	Integrity any     `json:"integrity"`
	Async     bool    `json:"async"`
	Logger    string  `json:"logger"`
	Config    any     `json:"config"`
	Message   *string `json:"message"`
}

// createScriptRoomResponse is the creation result payload.
type createScriptRoomResponse struct {
	ID        string  `json:"id"`
	Integrity *string `json:"integrity"`
	Message   *string `json:"message"`
}

// handleCreateScriptRoom serves POST /room/script: creates a room run
// by a sandboxed script controller, registers it, arms the idle-destroy
// timer, and optionally attaches a named logger.
func (g *Gateway) handleCreateScriptRoom(c *gin.Context) {
	var req createScriptRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.failHTTP(c, CloseError{Type: FailFormat, Message: "invalid request body: " + err.Error()})
		return
	}

	tag, ce := g.resolveCreateIntegrity(req)
	if ce != nil {
		g.failHTTP(c, *ce)
		return
	}

	room := engine.NewRoom()
	if req.Message != nil {
		room.SetPublicMessage(req.Message)
	}

	ctrl, err := scripting.NewController(room, req.Module, scripting.Options{
		Config:           req.Config,
		InstructionLimit: g.opts.ScriptInstructionLimit,
		Async:            req.Async,
		QueueSize:        g.opts.ScriptQueueSize,
		Logger:           g.logger,
	})
	if err != nil {
		g.failHTTP(c, CloseError{Type: FailFormat, Message: err.Error()})
		return
	}

	roomID, ok := g.hub.AddRoom(room, tag)
	if !ok {
		ctrl.Dispose()
		g.failHTTP(c, CloseError{Type: FailError, Message: "can not create room"})
		return
	}

	engine.NewDestroyTimer(room, g.opts.RoomIdleTTL)

	log := g.logger.With(zap.String("room_id", roomID))
	ctrl.Console.Subscribe(func(ev scripting.ConsoleEvent) {
		log.Debug("script console",
			zap.String("level", ev.Level),
			zap.Any("args", ev.Args),
		)
	})
	if req.Logger != "" {
		g.loggers.Attach(req.Logger, roomID, room, ctrl)
	}

	if err := ctrl.Start(c.Request.Context()); err != nil {
		room.Destroy()
		g.failHTTP(c, CloseError{Type: FailError, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, createScriptRoomResponse{
		ID:        roomID,
		Integrity: optional(tag),
		Message:   room.PublicMessage(),
	})
}

// resolveCreateIntegrity computes the room tag from the request's
// integrity field. A string value must equal the computed module hash;
// this is the one endpoint where the mismatch is revealed as such.
func (g *Gateway) resolveCreateIntegrity(req createScriptRoomRequest) (string, *CloseError) {
	switch want := req.Integrity.(type) {
	case nil:
		return "", nil
	case bool:
		if !want {
			return "", nil
		}
		tag, err := integrity.HashModule(moduleDocument(req.Module))
		if err != nil {
			return "", &CloseError{Type: FailError, Message: err.Error()}
		}
		return tag, nil
	case string:
		tag, err := integrity.HashModule(moduleDocument(req.Module))
		if err != nil {
			return "", &CloseError{Type: FailError, Message: err.Error()}
		}
		if !integrity.Equal(tag, want) {
			return "", &CloseError{
				Type:    FailIntegrity,
				Message: fmt.Sprintf("integrity check error. Got %s, but expected %s", want, tag),
			}
		}
		return tag, nil
	default:
		return "", &CloseError{Type: FailFormat, Message: "integrity must be a boolean or string"}
	}
}

// moduleDocument renders the module as the JSON-shaped value the
// integrity hash is defined over, so hashes agree with clients that
// hash the raw request document.
func moduleDocument(m scripting.Module) map[string]any {
	source := make(map[string]any, len(m.Source))
	for name, code := range m.Source {
		source[name] = code
	}
	return map[string]any{"main": m.Main, "source": source}
}

// handleRoomsByIntegrity serves GET /rooms/:integrity: the discovery
// map from roomId to public message for one tag. Private rooms are
// omitted.
func (g *Gateway) handleRoomsByIntegrity(c *gin.Context) {
	result := make(map[string]string)
	for _, roomID := range g.hub.RoomsByIntegrity(c.Param("integrity")) {
		room := g.hub.Room(roomID)
		if room == nil {
			continue
		}
		if msg := room.PublicMessage(); msg != nil {
			result[roomID] = *msg
		}
	}
	c.JSON(http.StatusOK, result)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
