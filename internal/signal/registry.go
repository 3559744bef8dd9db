package signal

import (
	"log"
	"sync"

	"github.com/chatline/chatline/internal/stats"
)

// SessionRegistry owns room membership. It is the only component that
// mutates the membership maps; handlers go through Join/Leave/Publish.
// Rooms are created implicitly on first join and dropped when the last
// member leaves.
type SessionRegistry struct {
	mu          sync.RWMutex
	rooms       map[string]map[*Client]struct{}
	memberships map[*Client]map[string]struct{}
	log         *log.Logger
	stats       stats.StatsProvider
}

func NewSessionRegistry(logger *log.Logger, statsProvider stats.StatsProvider) *SessionRegistry {
	return &SessionRegistry{
		rooms:       make(map[string]map[*Client]struct{}),
		memberships: make(map[*Client]map[string]struct{}),
		log:         logger,
		stats:       statsProvider,
	}
}

// Join adds the connection to the room. Joining a room twice is a no-op.
func (sr *SessionRegistry) Join(c *Client, room string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	members, ok := sr.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		sr.rooms[room] = members
		sr.stats.Incr(stats.NumRooms)
	}

	if _, ok := members[c]; ok {
		return
	}
	members[c] = struct{}{}

	if sr.memberships[c] == nil {
		sr.memberships[c] = make(map[string]struct{})
	}
	sr.memberships[c][room] = struct{}{}

	sr.log.Printf("connection %s joined room %q (%d members)", c.id, room, len(members))
}

func (sr *SessionRegistry) Leave(c *Client, room string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.leaveLocked(c, room)
}

func (sr *SessionRegistry) leaveLocked(c *Client, room string) {
	members, ok := sr.rooms[room]
	if !ok {
		return
	}

	if _, ok := members[c]; !ok {
		return
	}

	delete(members, c)
	if len(members) == 0 {
		delete(sr.rooms, room)
		sr.stats.Decr(stats.NumRooms)
	}

	if rooms, ok := sr.memberships[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(sr.memberships, c)
		}
	}

	sr.log.Printf("connection %s left room %q", c.id, room)
}

// RemoveClient drops the connection from every room it had joined. This
// is the only implicit cleanup in the system; it runs on disconnect so
// no explicit leave calls are required.
func (sr *SessionRegistry) RemoveClient(c *Client) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	for room := range sr.memberships[c] {
		sr.leaveLocked(c, room)
	}
}

// Publish delivers the frame to every current member of the room except
// skip. Publishing to a room with zero members is a silent no-op; the
// receiver count is returned so callers can treat it as a presence
// signal instead.
func (sr *SessionRegistry) Publish(room string, frame *Frame, skip *Client) int {
	sr.mu.RLock()
	members := make([]*Client, 0, len(sr.rooms[room]))
	for c := range sr.rooms[room] {
		if c == skip {
			continue
		}
		members = append(members, c)
	}
	sr.mu.RUnlock()

	for _, c := range members {
		if !c.queueFrame(frame) {
			sr.log.Printf("dropping %q frame for connection %s, send buffer full", frame.Event, c.id)
			sr.stats.Incr(stats.NumEventsDropped)
		}
	}

	return len(members)
}

func (sr *SessionRegistry) RoomSize(room string) int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	return len(sr.rooms[room])
}

// Rooms returns a snapshot of the rooms the connection has joined.
func (sr *SessionRegistry) Rooms(c *Client) []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	rooms := make([]string, 0, len(sr.memberships[c]))
	for room := range sr.memberships[c] {
		rooms = append(rooms, room)
	}
	return rooms
}
