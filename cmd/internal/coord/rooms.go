package coord

import (
	"log/slog"
	"sync"
	"time"

	v1 "quorum/shared/contracts/coord/v1"
)

// RoomType identifies a level of the user -> device -> session -> tab
// hierarchy.
type RoomType string

const (
	RoomUser    RoomType = "user"
	RoomDevice  RoomType = "device"
	RoomSession RoomType = "session"
	RoomTab     RoomType = "tab"
)

// maxHierarchyHops caps every hierarchy walk. The hierarchy is at most
// four levels deep; anything past this indicates corrupted parent
// pointers and the walk stops instead of recursing forever.
const maxHierarchyHops = 8

// Room id helpers. Ids are namespaced by type so the same raw id can
// appear at different levels (e.g. session id reused as room id).
func UserRoomID(userID string) string       { return "user:" + userID }
func DeviceRoomID(deviceID string) string   { return "device:" + deviceID }
func SessionRoomID(sessionID string) string { return "session:" + sessionID }
func TabRoomID(tabID string) string         { return "tab:" + tabID }

// Room is one node of the topic hierarchy.
type Room struct {
	ID       string
	Type     RoomType
	ParentID string
	Metadata map[string]string

	children map[string]struct{}
	lastRef  time.Time
}

// Registry is a directed forest of rooms plus the membership indices
// used for broadcast addressing. Children sets are maintained as the
// exact inverse of parent pointers; membership is indexed both ways
// (room -> connections, connection -> rooms) and updated incrementally
// on attach/detach rather than rebuilt by scans.
type Registry struct {
	log     *slog.Logger
	roomTTL time.Duration

	mu      sync.RWMutex
	rooms   map[string]*Room
	members map[string]map[string]*Conn    // room id -> conn id -> conn
	byConn  map[string]map[string]struct{} // conn id -> room ids
}

// NewRegistry constructs an empty room registry.
func NewRegistry(log *slog.Logger, roomTTL time.Duration) *Registry {
	if roomTTL <= 0 {
		roomTTL = 5 * time.Minute
	}
	return &Registry{
		log:     log,
		roomTTL: roomTTL,
		rooms:   make(map[string]*Room),
		members: make(map[string]map[string]*Conn),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Register creates the room if absent and links it under parentID.
// Re-registering refreshes the TTL reference and merges metadata.
func (r *Registry) Register(roomID string, typ RoomType, parentID string, metadata map[string]string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{
			ID:       roomID,
			Type:     typ,
			ParentID: parentID,
			Metadata: make(map[string]string),
			children: make(map[string]struct{}),
		}
		r.rooms[roomID] = room
	}
	room.lastRef = time.Now()

	for k, v := range metadata {
		room.Metadata[k] = v
	}

	if parentID != "" && room.ParentID == "" {
		room.ParentID = parentID
	}
	if room.ParentID != "" {
		if parent, ok := r.rooms[room.ParentID]; ok {
			parent.children[roomID] = struct{}{}
			parent.lastRef = time.Now()
		}
	}
	return room
}

// Unregister removes the room and detaches it from its parent. Children
// are left in place with a dangling parent cleared, so a corrupted link
// never survives removal.
func (r *Registry) Unregister(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(roomID)
}

func (r *Registry) unregisterLocked(roomID string) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if parent, ok := r.rooms[room.ParentID]; ok {
		delete(parent.children, roomID)
	}
	for childID := range room.children {
		if child, ok := r.rooms[childID]; ok && child.ParentID == roomID {
			child.ParentID = ""
		}
	}
	delete(r.rooms, roomID)
	delete(r.members, roomID)
}

// Parent returns the parent room id, or "" for roots and unknown rooms.
func (r *Registry) Parent(roomID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if room, ok := r.rooms[roomID]; ok {
		return room.ParentID
	}
	return ""
}

// Children returns a snapshot of the child room ids.
func (r *Registry) Children(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(room.children))
	for id := range room.children {
		out = append(out, id)
	}
	return out
}

// RoomInfo returns the room's type and whether it exists.
func (r *Registry) RoomInfo(roomID string) (RoomType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return room.Type, true
}

// HierarchyPath walks leaf-to-root from roomID. The walk is bounded by
// a hop counter and a visited set so corrupted parent pointers (cycles,
// over-deep chains) terminate instead of recursing.
func (r *Registry) HierarchyPath(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	path := make([]string, 0, 4)
	visited := make(map[string]struct{}, 4)

	cur := roomID
	for hops := 0; hops < maxHierarchyHops; hops++ {
		room, ok := r.rooms[cur]
		if !ok {
			break
		}
		if _, seen := visited[cur]; seen {
			r.log.Warn("rooms.hierarchy.cycle", "room_id", cur)
			break
		}
		visited[cur] = struct{}{}
		path = append(path, cur)

		if room.ParentID == "" {
			break
		}
		cur = room.ParentID
	}
	return path
}

// Join adds the connection to the room's membership.
func (r *Registry) Join(roomID string, conn *Conn) {
	if conn == nil || conn.ID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok {
		room.lastRef = time.Now()
	}

	set := r.members[roomID]
	if set == nil {
		set = make(map[string]*Conn)
		r.members[roomID] = set
	}
	set[conn.ID] = conn

	rooms := r.byConn[conn.ID]
	if rooms == nil {
		rooms = make(map[string]struct{})
		r.byConn[conn.ID] = rooms
	}
	rooms[roomID] = struct{}{}
}

// Leave removes the connection from one room.
func (r *Registry) Leave(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, connID)
}

func (r *Registry) leaveLocked(roomID, connID string) {
	if set, ok := r.members[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.members, roomID)
			if room, ok := r.rooms[roomID]; ok {
				room.lastRef = time.Now()
			}
		}
	}
	if rooms, ok := r.byConn[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// LeaveAll removes the connection from every room it joined and returns
// the room ids it was a member of.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.byConn[connID]
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	for _, roomID := range out {
		r.leaveLocked(roomID, connID)
	}
	return out
}

// RoomsOf returns a snapshot of room ids the connection is a member of.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := r.byConn[connID]
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out
}

// Members returns a snapshot of the connections currently in the room.
func (r *Registry) Members(roomID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[roomID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// MemberCount returns the number of connections in the room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[roomID])
}

// Emit delivers the envelope to every connection currently in roomID,
// except those listed in exclude. Non-blocking: members with a full
// queue or a closed connection are skipped rather than stalling the
// whole room.
func (r *Registry) Emit(roomID string, env v1.Envelope, exclude ...string) int {
	env.Room = roomID

	delivered := 0
	for _, m := range r.Members(roomID) {
		if m == nil || contains(exclude, m.ID) {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
			delivered++
		default:
			r.log.Debug("rooms.emit.drop", "room_id", roomID, "connection_id", m.ID, "type", env.Type)
		}
	}
	return delivered
}

// Sweep expires rooms that have been unreferenced (no members, no
// children) past the TTL. Returns the number of rooms removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, room := range r.rooms {
		if len(r.members[id]) > 0 || len(room.children) > 0 {
			continue
		}
		if now.Sub(room.lastRef) < r.roomTTL {
			continue
		}
		r.unregisterLocked(id)
		removed++
	}
	if removed > 0 {
		r.log.Debug("rooms.sweep", "removed", removed)
	}
	return removed
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
