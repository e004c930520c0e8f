package server

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alejzeis/randopair/common"
	log "github.com/sirupsen/logrus"
)

// ErrRoomFull is returned by Join when the room already has two members
var ErrRoomFull = errors.New("room already has two members")

// ErrAlreadyInRoom is returned by Join when the connection is a member of another room
var ErrAlreadyInRoom = errors.New("connection is already in a room")

// RoomKey builds the canonical key for a pairing of two devices: the ids
// sorted ascending and joined with a dash. (A,B) and (B,A) therefore always
// produce the same key, and distinct pairs can never collide.
func RoomKey(a, b uint64) string {
	ids := []uint64{a, b}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return strconv.FormatUint(ids[0], 10) + "-" + strconv.FormatUint(ids[1], 10)
}

// MemberIDs decodes a room key back into the set of device ids it was built
// from. Malformed segments are skipped, so a bogus key yields an empty set.
func MemberIDs(key string) map[uint64]struct{} {
	ids := make(map[uint64]struct{})
	for _, part := range strings.Split(key, "-") {
		id, err := strconv.ParseUint(part, 10, 64)
		if err == nil {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// RoomRegistry tracks which connections belong to which two-party room.
// Membership checks and joins happen under one mutex, so a room can never be
// driven past two members by concurrent pair attempts. Empty rooms are
// discarded on the last leave.
type RoomRegistry struct {
	mutex  sync.Mutex
	rooms  map[string]map[string]Conn
	byConn map[string]string
}

func NewRoomRegistry() *RoomRegistry {
	registry := new(RoomRegistry)
	registry.rooms = make(map[string]map[string]Conn)
	registry.byConn = make(map[string]string)
	return registry
}

// Join adds the connection to the room identified by key. Returns
// ErrAlreadyInRoom if the connection is currently a member of a different
// room, and ErrRoomFull if the room already has two members.
func (registry *RoomRegistry) Join(key string, conn Conn) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if current, exists := registry.byConn[conn.ID()]; exists {
		if current == key {
			return nil
		}
		return ErrAlreadyInRoom
	}

	members := registry.rooms[key]
	if len(members) >= 2 {
		return ErrRoomFull
	}
	if members == nil {
		members = make(map[string]Conn)
		registry.rooms[key] = members
	}

	members[conn.ID()] = conn
	registry.byConn[conn.ID()] = key
	return nil
}

// Leave removes the connection from the room if it is a member. Idempotent.
func (registry *RoomRegistry) Leave(key string, connID string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	members, exists := registry.rooms[key]
	if !exists {
		return
	}
	if _, member := members[connID]; !member {
		return
	}

	delete(members, connID)
	delete(registry.byConn, connID)
	if len(members) == 0 {
		delete(registry.rooms, key)
	}
}

// Members returns a snapshot of the connections currently in the room
func (registry *RoomRegistry) Members(key string) []Conn {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	members := make([]Conn, 0, len(registry.rooms[key]))
	for _, conn := range registry.rooms[key] {
		members = append(members, conn)
	}
	return members
}

// MemberCount returns how many connections are currently in the room
func (registry *RoomRegistry) MemberCount(key string) int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	return len(registry.rooms[key])
}

// RoomOf returns the key of the room the connection is a member of, or ""
func (registry *RoomRegistry) RoomOf(connID string) string {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	return registry.byConn[connID]
}

// Broadcast sends the signal to every current member of the room. Sends happen
// outside the registry mutex on a membership snapshot; a failed send is logged
// and does not stop delivery to the remaining members.
func (registry *RoomRegistry) Broadcast(key string, signal common.Signal) {
	for _, conn := range registry.Members(key) {
		if err := conn.Send(signal); err != nil {
			log.WithFields(log.Fields{
				"room":   key,
				"conn":   conn.ID(),
				"signal": signal.Type,
			}).WithError(err).Warn("Failed to deliver signal to room member")
		}
	}
}
