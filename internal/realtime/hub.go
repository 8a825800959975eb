// Package realtime implements the project-room broadcast subsystem: the
// connection gateway, the room registry, and the fan-out bus that delivers
// task mutation events to subscribed clients.
package realtime

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
)

// sendBuffer is the per-connection event queue depth. A subscriber that falls
// further behind than this loses frames (delivery is best-effort); it will
// converge on the next refetch.
const sendBuffer = 64

var ErrNotAMember = errors.New("not a project member")

// MembershipOracle answers owner-or-member questions against the durable
// store. It is queried on every join; answers are never cached because
// membership changes between joins.
type MembershipOracle interface {
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)
}

// Conn is one live authenticated connection. The bound identity is set at
// handshake and immutable afterwards.
type Conn struct {
	ID       string
	UserID   string
	UserName string

	mu     sync.Mutex
	joined map[string]struct{}

	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(userID, userName string) *Conn {
	return &Conn{
		ID:       uuid.NewString(),
		UserID:   userID,
		UserName: userName,
		joined:   make(map[string]struct{}),
		send:     make(chan Event, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Events is the ordered stream of frames queued for this connection.
func (c *Conn) Events() <-chan Event {
	return c.send
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// deliver queues an event without blocking. Returns false if the buffer is
// full or the connection is closed.
func (c *Conn) deliver(event Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// Joined snapshots the rooms this connection currently belongs to.
func (c *Conn) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.joined))
	for room := range c.joined {
		rooms = append(rooms, room)
	}
	return rooms
}

// Hub is the room registry and broadcast bus. Rooms are created lazily on
// first join and garbage-collected as soon as their last subscriber leaves.
type Hub struct {
	members MembershipOracle

	mu    sync.Mutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub(members MembershipOracle) *Hub {
	return &Hub{
		members: members,
		rooms:   make(map[string]map[*Conn]struct{}),
	}
}

// NewConn registers a fresh connection bound to the given identity. The
// caller owns teardown via Disconnect.
func (h *Hub) NewConn(userID, userName string) *Conn {
	return newConn(userID, userName)
}

// Join subscribes conn to projectID's room after re-checking membership
// against the oracle. A rejected join leaves room state untouched.
func (h *Hub) Join(ctx context.Context, conn *Conn, projectID string) error {
	ok, err := h.members.IsProjectMember(ctx, projectID, conn.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAMember
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-conn.done:
		// Lost a race with Disconnect; do not resurrect room membership.
		return nil
	default:
	}
	room, exists := h.rooms[projectID]
	if !exists {
		room = make(map[*Conn]struct{})
		h.rooms[projectID] = room
	}
	room[conn] = struct{}{}

	conn.mu.Lock()
	conn.joined[projectID] = struct{}{}
	conn.mu.Unlock()
	return nil
}

// Leave removes conn from projectID's room. Leaving a room the connection
// never joined is a no-op.
func (h *Hub) Leave(conn *Conn, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn, projectID)

	conn.mu.Lock()
	delete(conn.joined, projectID)
	conn.mu.Unlock()
}

// Disconnect removes conn from every room it joined and tears it down. Safe
// to call more than once; it must run even on abrupt transport loss.
func (h *Hub) Disconnect(conn *Conn) {
	conn.close()

	h.mu.Lock()
	defer h.mu.Unlock()

	conn.mu.Lock()
	rooms := make([]string, 0, len(conn.joined))
	for room := range conn.joined {
		rooms = append(rooms, room)
	}
	conn.joined = make(map[string]struct{})
	conn.mu.Unlock()

	for _, projectID := range rooms {
		h.removeLocked(conn, projectID)
	}
}

func (h *Hub) removeLocked(conn *Conn, projectID string) {
	room, exists := h.rooms[projectID]
	if !exists {
		return
	}
	delete(room, conn)
	if len(room) == 0 {
		delete(h.rooms, projectID)
	}
}

// Publish delivers event to every connection currently in projectID's room.
// Publish calls for the same room fan out in call order; a subscriber whose
// buffer is full is skipped and logged, never blocking the others.
func (h *Hub) Publish(projectID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.rooms[projectID] {
		if !conn.deliver(event) {
			log.Printf("realtime: dropped %s for connection %s in project %s (slow or closed)",
				event.Type, conn.ID, projectID)
		}
	}
}

// RoomSize reports the current subscriber count for a project's room.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[projectID])
}

// RoomCount reports how many rooms currently exist. Empty rooms are
// collected eagerly, so this never grows past the set of active projects.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
