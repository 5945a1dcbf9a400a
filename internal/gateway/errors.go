// Package gateway is the protocol layer between HTTP/WebSocket clients
// and the room engine: the dual-mode session endpoint with its
// pre-upgrade race, the RPC join dialect, the administrative control
// channel, room creation, and the logger fan-out.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// FailType classifies a protocol-level failure. The taxonomy is part of
// the wire contract: it appears in HTTP error bodies and in the JSON
// payload of code-4000 close frames.
type FailType string

const (
	// FailNotFound covers both a missing room and an integrity mismatch
	// on lookup endpoints; the two are intentionally indistinguishable.
	FailNotFound FailType = "NotFound"
	// FailIntegrity is an explicit integrity mismatch, surfaced only
	// where revealing the distinction is safe (creation-time endpoints).
	FailIntegrity FailType = "Integrity"
	// FailFormat is malformed client-supplied JSON or a bad binary frame.
	FailFormat FailType = "Format"
	// FailStatus is a message received before the connection joined.
	FailStatus FailType = "Status"
	// FailConnectionClosed is an engine-initiated termination.
	FailConnectionClosed FailType = "ConnectionClosed"
	// FailError is a generic operational failure.
	FailError FailType = "Error"
)

// CloseError is the JSON body of a failure response or close frame.
type CloseError struct {
	Type    FailType `json:"type"`
	Message string   `json:"message"`
}

func (e CloseError) Error() string {
	return string(e.Type) + ": " + e.Message
}

// httpStatus maps a failure type to its pre-upgrade HTTP status.
func httpStatus(t FailType) int {
	switch t {
	case FailNotFound:
		return http.StatusNotFound
	case FailError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// failHTTP answers a pre-upgrade failure as plain JSON. When the caller
// supplied an errorLog correlation key, the body is also parked in the
// diagnostics cache for out-of-band retrieval.
func (g *Gateway) failHTTP(c *gin.Context, ce CloseError) {
	if key := c.Query("errorLog"); key != "" {
		g.diag.Put(key, ce)
	}
	c.AbortWithStatusJSON(httpStatus(ce.Type), ce)
}

// encodeReason renders a disconnect reason for a close-frame message
// field. The policy is uniform across endpoints: reasons are always
// JSON-encoded; strings longer than the configured bound collapse to the
// too-long sentinel.
func (g *Gateway) encodeReason(reason any) string {
	if s, ok := reason.(string); ok && len([]rune(s)) > g.opts.ReasonLimit {
		reason = tooLongSentinel
	}
	data, err := json.Marshal(reason)
	if err != nil {
		data, _ = json.Marshal(tooLongSentinel)
	}
	return string(data)
}

// tooLongSentinel replaces close reasons that exceed the frame budget.
const tooLongSentinel = "#too long#"

// isTrivialReason reports whether a reason fits a close frame on its
// own: nil and short strings do, structured values do not.
func isTrivialReason(reason any) bool {
	switch reason.(type) {
	case nil, string, bool, int64, uint64, float64:
		return true
	default:
		return false
	}
}
