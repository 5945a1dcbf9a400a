package engine

import (
	"math/rand/v2"
	"sync"
)

const (
	// roomIDDigits is the length of generated room ids.
	roomIDDigits = 9
	// defaultIDAttempts bounds collision retries before AddRoom gives up.
	defaultIDAttempts = 32
)

// Hub is the room directory. It registers live rooms under generated
// opaque ids with an optional integrity tag and answers id and
// integrity lookups. A room deregisters itself when it is destroyed.
type Hub struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	integrity   map[string]string
	byIntegrity map[string]map[string]struct{}
	idAttempts  int
}

// NewHub creates an empty directory.
func NewHub() *Hub {
	return &Hub{
		rooms:       make(map[string]*Room),
		integrity:   make(map[string]string),
		byIntegrity: make(map[string]map[string]struct{}),
		idAttempts:  defaultIDAttempts,
	}
}

// AddRoom registers room under a freshly generated id, optionally tagged
// with an integrity string (empty = untagged). A destroyed room is
// rejected, as is a registration when id generation keeps colliding.
//
// Postcondition: On ok, the id resolves through Room until the room is
// destroyed.
func (h *Hub) AddRoom(room *Room, integrityTag string) (string, bool) {
	if room.Destroyed() {
		return "", false
	}
	h.mu.Lock()
	id, ok := h.generateIDLocked()
	if !ok {
		h.mu.Unlock()
		return "", false
	}
	h.rooms[id] = room
	if integrityTag != "" {
		h.integrity[id] = integrityTag
		set, ok := h.byIntegrity[integrityTag]
		if !ok {
			set = make(map[string]struct{})
			h.byIntegrity[integrityTag] = set
		}
		set[id] = struct{}{}
	}
	h.mu.Unlock()

	room.Events.Destroy.Subscribe(func(struct{}) {
		h.remove(id)
	})
	// The room may have been destroyed between registration and the
	// subscription above; sweep it out rather than leaking the entry.
	if room.Destroyed() {
		h.remove(id)
		return "", false
	}
	return id, true
}

// Room resolves id to a live room, or nil.
func (h *Hub) Room(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[id]
}

// RoomIntegrity returns the integrity tag bound to id, or "".
func (h *Hub) RoomIntegrity(id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.integrity[id]
}

// RoomsByIntegrity returns the ids of live rooms registered under tag.
func (h *Hub) RoomsByIntegrity(tag string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byIntegrity[tag]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// RoomIDs returns the ids of all live rooms.
func (h *Hub) RoomIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered rooms.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tag, ok := h.integrity[id]
	if ok {
		delete(h.integrity, id)
		if set := h.byIntegrity[tag]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(h.byIntegrity, tag)
			}
		}
	}
	delete(h.rooms, id)
}

func (h *Hub) generateIDLocked() (string, bool) {
	for range h.idAttempts {
		var digits [roomIDDigits]byte
		for i := range digits {
			digits[i] = byte('0' + rand.IntN(10))
		}
		id := string(digits[:])
		if _, taken := h.rooms[id]; !taken {
			return id, true
		}
	}
	return "", false
}
