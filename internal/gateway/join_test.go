package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/roomhub/internal/engine"
	"github.com/cory-johannsen/roomhub/internal/wire"
)

// tupleRecorder collects tuples emitted on engine goroutines.
type tupleRecorder struct {
	mu     sync.Mutex
	tuples [][]any
}

func (r *tupleRecorder) add(args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tuples = append(r.tuples, args)
}

func (r *tupleRecorder) snapshot() [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]any(nil), r.tuples...)
}

func (r *tupleRecorder) waitForLen(t *testing.T, want int) [][]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		got := r.snapshot()
		if len(got) >= want {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d tuples, have %d", want, len(got))
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestJoinAckAndRPCResult(t *testing.T) {
	gw, ts := newTestGateway(t)

	// A responder answering every rpc call with the method name echoed.
	id, room := autoJoinRoom(t, gw, "")
	room.Events.ConnectionMessage.Subscribe(func(ev engine.ConnectionMessageEvent) {
		if len(ev.Args) < 3 {
			return
		}
		if tag, _ := ev.Args[0].(string); tag != "$rpc" {
			return
		}
		ev.Conn.SendEvent("$rpcResult", ev.Args[1], int64(0), ev.Args[2])
	})

	ws := wsDial(t, ts, "/room/"+id+"/join?name=alice")

	ack := readTuple(t, ws)
	assert.Equal(t, int64(3), opcode(t, ack))
	assert.Equal(t, "join", ack[1])

	writeTuple(t, ws, int64(11), "ping")
	result := readTuple(t, ws)
	assert.Equal(t, int64(0), opcode(t, result))
	callID, _ := wire.Int64(result[1])
	assert.Equal(t, int64(11), callID)
	assert.Equal(t, "ping", result[2])
}

func TestJoinErrorResultOpcode(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, room := autoJoinRoom(t, gw, "")
	room.Events.ConnectionMessage.Subscribe(func(ev engine.ConnectionMessageEvent) {
		if len(ev.Args) >= 3 {
			ev.Conn.SendEvent("$rpcResult", ev.Args[1], int64(1), "no such method")
		}
	})

	ws := wsDial(t, ts, "/room/"+id+"/join?name=alice")
	readTuple(t, ws) // join ack

	writeTuple(t, ws, int64(5), "nope")
	result := readTuple(t, ws)
	assert.Equal(t, int64(1), opcode(t, result))
	assert.Equal(t, "no such method", result[2])
}

func TestJoinEventReframed(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, room := autoJoinRoom(t, gw, "")

	ws := wsDial(t, ts, "/room/"+id+"/join?name=alice")
	readTuple(t, ws) // join ack

	conns := waitJoined(t, room, 1)
	conns[0].SendEvent("$rpcEvent", "scoreboard", int64(42))

	frame := readTuple(t, ws)
	assert.Equal(t, int64(2), opcode(t, frame))
	assert.Equal(t, "scoreboard", frame[1])
	n, _ := wire.Int64(frame[2])
	assert.Equal(t, int64(42), n)
}

func TestJoinUntaggedEventsDropped(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, room := autoJoinRoom(t, gw, "")

	ws := wsDial(t, ts, "/room/"+id+"/join?name=alice")
	readTuple(t, ws) // join ack

	conns := waitJoined(t, room, 1)
	conns[0].SendEvent("something raw")
	conns[0].SendEvent("$rpcEvent", "visible")

	// Only the tagged event comes through.
	frame := readTuple(t, ws)
	assert.Equal(t, int64(2), opcode(t, frame))
	assert.Equal(t, "visible", frame[1])
}

func TestJoinRawModePassesEverything(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, room := autoJoinRoom(t, gw, "")

	entered := &tupleRecorder{}
	room.Events.ConnectionJoin.Subscribe(func(c *engine.Connection) {
		entered.add(c.EnterArgs())
	})
	msgs := &tupleRecorder{}
	room.Events.ConnectionMessage.Subscribe(func(ev engine.ConnectionMessageEvent) {
		msgs.add(ev.Args)
		ev.Conn.SendEvent("plain", "event")
	})

	ws := wsDial(t, ts, "/room/"+id+`/join?raw=true&params=["x",1]`)
	readTuple(t, ws) // join ack still sent

	writeTuple(t, ws, "anything", int64(2))
	frame := readTuple(t, ws)
	assert.Equal(t, []any{"plain", "event"}, frame)

	got := entered.waitForLen(t, 1)
	assert.Equal(t, []any{"x", float64(1)}, got[0])
	inbound := msgs.waitForLen(t, 1)
	assert.Equal(t, "anything", inbound[0][0])
}

func TestJoinInboundGetsRPCTag(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, room := autoJoinRoom(t, gw, "")

	msgs := &tupleRecorder{}
	room.Events.ConnectionMessage.Subscribe(func(ev engine.ConnectionMessageEvent) {
		msgs.add(ev.Args)
	})

	ws := wsDial(t, ts, "/room/"+id+"/join?name=alice")
	readTuple(t, ws) // join ack

	writeTuple(t, ws, int64(9), "method", "arg")

	got := msgs.waitForLen(t, 1)
	require.GreaterOrEqual(t, len(got[0]), 3)
	assert.Equal(t, "$rpc", got[0][0])
	callID, _ := wire.Int64(got[0][1])
	assert.Equal(t, int64(9), callID)
	assert.Equal(t, "method", got[0][2])
}

func TestJoinNameRequired(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, _ := autoJoinRoom(t, gw, "")

	// The handshake still completes; the failure arrives on the socket.
	ws := wsDial(t, ts, "/room/"+id+"/join")
	ce := expectClose(t, ws)
	assert.Equal(t, FailFormat, ce.Type)
	assert.Contains(t, ce.Message, "name is required")
}

func TestJoinUnknownRoomClosesOnSocket(t *testing.T) {
	_, ts := newTestGateway(t)

	ws := wsDial(t, ts, "/room/000000000/join?name=alice")
	ce := expectClose(t, ws)
	assert.Equal(t, FailNotFound, ce.Type)
}

func TestJoinIntegrityMismatchClosesOnSocket(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, _ := autoJoinRoom(t, gw, "custom:real")

	ws := wsDial(t, ts, "/room/"+id+"/join?name=alice&integrity=custom:wrong")
	ce := expectClose(t, ws)
	assert.Equal(t, FailIntegrity, ce.Type)
}

func TestJoinSynchronousRejectCloses(t *testing.T) {
	gw, ts := newTestGateway(t)

	room := engine.NewRoom()
	room.Events.ConnectionJoin.Subscribe(func(c *engine.Connection) {
		room.Kick(c, "full")
	})
	id, ok := gw.hub.AddRoom(room, "")
	require.True(t, ok)

	ws := wsDial(t, ts, "/room/"+id+"/join?name=alice")
	ce := expectClose(t, ws)
	assert.Equal(t, FailConnectionClosed, ce.Type)
	assert.Equal(t, `"full"`, ce.Message)
}

func TestJoinShortFrameCloses(t *testing.T) {
	gw, ts := newTestGateway(t)
	id, _ := autoJoinRoom(t, gw, "")

	ws := wsDial(t, ts, "/room/"+id+"/join?name=alice")
	readTuple(t, ws) // join ack

	// RPC frames need at least (callId, method).
	writeTuple(t, ws, int64(1))
	ce := expectClose(t, ws)
	assert.Equal(t, FailFormat, ce.Type)
}
