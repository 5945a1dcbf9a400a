package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeCode is the application close code used for every protocol-level
// failure; the frame payload carries the CloseError JSON.
const closeCode = 4000

// closeFramePayloadLimit is the RFC 6455 bound on a close frame's
// application payload (125 bytes minus the 2-byte status code).
const closeFramePayloadLimit = 123

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// socket serializes writes to one WebSocket connection. The engine
// emits events from many goroutines; gorilla permits one concurrent
// writer, so every send funnels through the mutex. Reads stay on the
// handler goroutine and are not guarded here.
type socket struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{conn: conn}
}

// SendBinary writes one binary frame. Sends after Close are dropped.
func (s *socket) SendBinary(data []byte) error {
	return s.send(websocket.BinaryMessage, data)
}

// SendText writes one text frame.
func (s *socket) SendText(data []byte) error {
	return s.send(websocket.TextMessage, data)
}

func (s *socket) send(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// Close sends a code-4000 close frame carrying ce as JSON and tears the
// connection down. Idempotent; later Close calls and sends are no-ops.
// A payload that exceeds the close-frame budget is re-encoded with the
// too-long sentinel so the frame always fits.
func (s *socket) Close(ce CloseError) {
	payload, err := json.Marshal(ce)
	if err != nil || len(payload) > closeFramePayloadLimit {
		payload, _ = json.Marshal(CloseError{Type: ce.Type, Message: tooLongSentinel})
	}
	s.closeWith(payload)
}

// CloseQuiet tears the connection down without a close frame payload.
func (s *socket) CloseQuiet() {
	s.closeWith(nil)
}

func (s *socket) closeWith(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if payload != nil {
		frame := websocket.FormatCloseMessage(closeCode, string(payload))
		s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
	}
	s.conn.Close()
}
