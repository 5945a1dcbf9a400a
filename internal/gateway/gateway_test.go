package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/roomhub/internal/diag"
	"github.com/cory-johannsen/roomhub/internal/engine"
	"github.com/cory-johannsen/roomhub/internal/wire"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()

	gw := New(engine.NewHub(), diag.NewCache(time.Second), zaptest.NewLogger(t), Options{
		RoomIdleTTL: time.Hour,
		Version:     "test",
	})
	gw.Routes(router)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	t.Cleanup(gw.Shutdown)
	return gw, ts
}

// autoJoinRoom registers a room that promotes every entering connection.
func autoJoinRoom(t *testing.T, gw *Gateway, tag string) (string, *engine.Room) {
	t.Helper()
	room := engine.NewRoom()
	room.Events.ConnectionJoin.Subscribe(func(c *engine.Connection) {
		room.Join(c)
	})
	id, ok := gw.hub.AddRoom(room, tag)
	require.True(t, ok)
	return id, room
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func wsDial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	require.NoError(t, err, "dialing %s", path)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readTuple reads and decodes one binary frame.
func readTuple(t *testing.T, ws *websocket.Conn) []any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	tuple, err := wire.Unmarshal(data)
	require.NoError(t, err)
	return tuple
}

func writeTuple(t *testing.T, ws *websocket.Conn, args ...any) {
	t.Helper()
	data, err := wire.Marshal(args...)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))
}

// expectClose reads until the peer closes and decodes the code-4000
// payload as a CloseError.
func expectClose(t *testing.T, ws *websocket.Conn) CloseError {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		require.Equal(t, closeCode, closeErr.Code)
		var ce CloseError
		require.NoError(t, json.Unmarshal([]byte(closeErr.Text), &ce))
		return ce
	}
}

// deadlineLoop polls cond until it holds or two seconds pass.
func deadlineLoop(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func opcode(t *testing.T, tuple []any) int64 {
	t.Helper()
	require.NotEmpty(t, tuple)
	op, ok := wire.Int64(tuple[0])
	require.True(t, ok, "leading element %v is not a number", tuple[0])
	return op
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestInfoEndpoint(t *testing.T) {
	_, ts := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "roomhub", info["name"])
	assert.Equal(t, "test", info["version"])
}

func TestRoomCreateRedirect(t *testing.T) {
	_, ts := newTestGateway(t)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Post(ts.URL+"/room", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPermanentRedirect, resp.StatusCode)
	assert.Equal(t, "/room/script", resp.Header.Get("Location"))
}

func TestRoomStatus(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, room := autoJoinRoom(t, gw, "")
	msg := "2/4 players"
	room.SetPublicMessage(&msg)

	resp, err := http.Get(ts.URL + "/room/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, msg, got)
}

func TestRoomStatusPrivateRoomHidden(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, _ := autoJoinRoom(t, gw, "")

	resp, err := http.Get(ts.URL + "/room/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomStatusUnknownRoom(t *testing.T) {
	_, ts := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/room/000000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var ce CloseError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ce))
	assert.Equal(t, FailNotFound, ce.Type)
}

func TestRoomStatusIntegrityMismatchLooksLikeMissing(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, room := autoJoinRoom(t, gw, "custom:real")
	msg := "open"
	room.SetPublicMessage(&msg)

	// Wrong tag and absent tag both read as not found.
	for _, query := range []string{"?integrity=custom:wrong", ""} {
		resp, err := http.Get(ts.URL + "/room/" + id + query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "query %q", query)
	}

	resp, err := http.Get(ts.URL + "/room/" + id + "?integrity=custom:real")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTakeErrorIsOneShot(t *testing.T) {
	gw, ts := newTestGateway(t)
	gw.diag.Put("corr", map[string]any{"type": "Kicked", "detail": "banned"})

	resp, err := http.Get(ts.URL + "/error/corr")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "Kicked", payload["type"])

	resp2, err := http.Get(ts.URL + "/error/corr")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestFailHTTPParksPayloadUnderErrorLogKey(t *testing.T) {
	gw, ts := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/room/000000000?errorLog=why")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	value, ok := gw.diag.Take("why")
	require.True(t, ok)
	ce, ok := value.(CloseError)
	require.True(t, ok)
	assert.Equal(t, FailNotFound, ce.Type)
}
