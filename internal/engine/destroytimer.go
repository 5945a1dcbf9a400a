package engine

import (
	"sync"
	"time"
)

// DefaultIdleTTL is the idle window before a script room self-destroys.
const DefaultIdleTTL = 2 * time.Minute

// DestroyTimer destroys a room after a fixed period with no membership
// activity. Any connection entering, joining, messaging, or closing
// resets the window; when the timer fires while connections remain, the
// window re-arms instead of destroying.
type DestroyTimer struct {
	room *Room
	ttl  time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	stopped   bool
	disposers []func()
}

// NewDestroyTimer arms an idle-destroy timer on room.
//
// Precondition: room must be non-nil; ttl > 0, 0 uses DefaultIdleTTL.
func NewDestroyTimer(room *Room, ttl time.Duration) *DestroyTimer {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	t := &DestroyTimer{room: room, ttl: ttl}

	touchConn := func(*Connection) { t.reset() }
	t.disposers = []func(){
		room.Events.ConnectionJoin.Subscribe(touchConn),
		room.Events.ConnectionEnter.Subscribe(touchConn),
		room.Events.ConnectionClosed.Subscribe(touchConn),
		room.Events.ConnectionMessage.Subscribe(func(ConnectionMessageEvent) { t.reset() }),
		room.Events.Destroy.Subscribe(func(struct{}) { t.Stop() }),
	}

	t.mu.Lock()
	t.timer = time.AfterFunc(ttl, t.fire)
	t.mu.Unlock()
	return t
}

// Stop disarms the timer and releases its room subscriptions.
func (t *DestroyTimer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	disposers := t.disposers
	t.disposers = nil
	t.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
}

func (t *DestroyTimer) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer.Stop()
	t.timer = time.AfterFunc(t.ttl, t.fire)
}

func (t *DestroyTimer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.room.ConnectionCount() > 0 {
		t.timer = time.AfterFunc(t.ttl, t.fire)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.room.Destroy()
}
