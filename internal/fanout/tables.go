// Package fanout holds the per-process view of which local connections
// belong to which user, room and subscriber set.
package fanout

import (
	"sort"
	"sync"
)

// Conn is a locally held connection that can receive lines.
type Conn interface {
	ID() string
	Send(line string) error
}

// Member is a local connection paired with the user it is bound to.
type Member struct {
	Conn Conn
	User string
}

// Registration describes a connection removed by Unregister. Superseded is
// set when a newer local connection has since logged in as the same user.
type Registration struct {
	User       string
	Room       string
	Superseded bool
}

// Tables guards every local index with one mutex. Readers used for
// delivery get copies so socket writes never happen under the lock.
//
// A user can hold more than one local connection when a session outlives
// its lease and the user logs in again. Rooms are tracked per connection and
// owners points at the newest one, which is the only connection allowed to
// speak for the user's shared state.
type Tables struct {
	mu sync.Mutex

	users       map[string]string          // conn id -> user
	conns       map[string]Conn            // conn id -> conn
	connRooms   map[string]string          // conn id -> room
	owners      map[string]string          // user -> conn id of the newest session
	roomConns   map[string]map[string]Conn // room -> conn id -> conn
	subscribers map[string]map[string]Conn // publisher -> conn id -> conn
	active      map[string]struct{}
}

func NewTables() *Tables {
	return &Tables{
		users:       make(map[string]string),
		conns:       make(map[string]Conn),
		connRooms:   make(map[string]string),
		owners:      make(map[string]string),
		roomConns:   make(map[string]map[string]Conn),
		subscribers: make(map[string]map[string]Conn),
		active:      make(map[string]struct{}),
	}
}

// Register binds conn to user, places it in room and marks user active.
// conn becomes the user's current local session; when it replaces an older
// one still connected, the older connection's room is returned.
func (t *Tables) Register(conn Conn, user, room string) (replacedRoom string, replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := conn.ID()
	if prev, ok := t.owners[user]; ok && prev != id {
		replacedRoom, replaced = t.connRooms[prev]
	}
	t.users[id] = user
	t.conns[id] = conn
	t.connRooms[id] = room
	t.owners[user] = id
	addConn(t.roomConns, room, conn)
	t.active[user] = struct{}{}
	return replacedRoom, replaced
}

// Move switches conn to room and returns its previous room.
func (t *Tables) Move(conn Conn, room string) (old string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := conn.ID()
	old, ok = t.connRooms[id]
	if !ok {
		return "", false
	}

	removeConn(t.roomConns, old, id)
	addConn(t.roomConns, room, conn)
	t.connRooms[id] = room
	return old, true
}

// RoomOf returns the room of the user's current local session.
func (t *Tables) RoomOf(user string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.owners[user]
	if !ok {
		return "", false
	}
	room, ok := t.connRooms[id]
	return room, ok
}

func (t *Tables) RoomOfConn(conn Conn) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.connRooms[conn.ID()]
	return room, ok
}

// Current reports whether conn is the newest local session of its user.
func (t *Tables) Current(conn Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[conn.ID()]
	return ok && t.owners[user] == conn.ID()
}

func (t *Tables) UserOf(conn Conn) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[conn.ID()]
	return user, ok
}

// Subscribe adds conn to the local fan-out set of publisher.
func (t *Tables) Subscribe(publisher string, conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	addConn(t.subscribers, publisher, conn)
}

func (t *Tables) Unsubscribe(publisher string, conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removeConn(t.subscribers, publisher, conn.ID())
}

// Unregister removes every entry that refers to conn. The user's owner
// entry and active flag are only dropped when conn is still the current
// session.
func (t *Tables) Unregister(conn Conn) (Registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := conn.ID()
	user, ok := t.users[id]
	if !ok {
		return Registration{}, false
	}

	reg := Registration{User: user, Room: t.connRooms[id]}
	removeConn(t.roomConns, reg.Room, id)
	for pub := range t.subscribers {
		removeConn(t.subscribers, pub, id)
	}
	delete(t.users, id)
	delete(t.conns, id)
	delete(t.connRooms, id)

	if owner, ok := t.owners[user]; ok && owner != id {
		reg.Superseded = true
		return reg, true
	}
	delete(t.owners, user)
	delete(t.active, user)
	return reg, true
}

// RoomMembers returns a copy of the local connections in room, ordered by
// connection id.
func (t *Tables) RoomMembers(room string) []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.roomConns[room]
	out := make([]Member, 0, len(set))
	for id, conn := range set {
		out = append(out, Member{Conn: conn, User: t.users[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conn.ID() < out[j].Conn.ID() })
	return out
}

// Subscribers returns a copy of the local connections subscribed to publisher.
func (t *Tables) Subscribers(publisher string) []Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.subscribers[publisher]
	out := make([]Conn, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Active returns the users this process currently renews leases for.
func (t *Tables) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.active))
	for user := range t.active {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func (t *Tables) IsActive(user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.active[user]
	return ok
}

// Deactivate stops lease renewal for user without touching its connection.
func (t *Tables) Deactivate(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, user)
}

// Conns returns every registered connection.
func (t *Tables) Conns() []Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		out = append(out, conn)
	}
	return out
}

func (t *Tables) ConnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.conns)
}

func addConn(m map[string]map[string]Conn, key string, conn Conn) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]Conn)
		m[key] = set
	}
	set[conn.ID()] = conn
}

func removeConn(m map[string]map[string]Conn, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
