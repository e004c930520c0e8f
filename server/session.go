package server

import (
	"time"

	"github.com/alejzeis/randopair/common"

	log "github.com/sirupsen/logrus"
)

type sessionState uint8

const (
	stateIdle sessionState = iota
	stateSearching
	statePaired
	stateAwaitingRejoin
	stateTerminated
)

func (state sessionState) String() string {
	switch state {
	case stateIdle:
		return "idle"
	case stateSearching:
		return "searching"
	case statePaired:
		return "paired"
	case stateAwaitingRejoin:
		return "awaitingRejoin"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// session is the per-connection record the coordinator drives through the
// idle -> searching -> paired -> (skip/leave) -> searching lifecycle. Room
// membership is an explicit field here, never inferred from transport state.
// All fields are guarded by the matchmaker mutex.
type session struct {
	conn      Conn
	deviceID  uint64
	deviceKey string
	state     sessionState
	room      string
}

// Connect registers a fresh transport connection with the coordinator
func (mm *Matchmaker) Connect(conn Conn) {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if _, exists := mm.sessions[conn.ID()]; !exists {
		mm.sessions[conn.ID()] = &session{conn: conn, state: stateIdle}
	}
}

// sessionLocked returns the session for the connection, creating one if the
// transport never announced it. Caller must hold mm.mutex.
func (mm *Matchmaker) sessionLocked(conn Conn) *session {
	sess, exists := mm.sessions[conn.ID()]
	if !exists {
		sess = &session{conn: conn, state: stateIdle}
		mm.sessions[conn.ID()] = sess
	}
	return sess
}

// RegisterOrJoin is the matchmaking entry point: the device key is resolved
// and checked against the block gate, then the device is either paired with a
// waiting peer or enqueued to search.
func (mm *Matchmaker) RegisterOrJoin(conn Conn, deviceKey string) {
	record, admitted := mm.admitDevice(conn, deviceKey)
	if !admitted {
		return
	}

	mm.mutex.Lock()
	sess := mm.sessionLocked(conn)
	sess.deviceID = record.ID
	sess.deviceKey = record.Key
	paired := mm.tryPairLocked(sess, nil)
	mm.mutex.Unlock()

	mm.markUnavailable(paired)
}

// Rejoin is RegisterOrJoin with knowledge of a just-vacated room: the member
// ids decoded from the previous room's key are excluded from the candidate
// draw, so a skip never immediately re-pairs the same two devices.
func (mm *Matchmaker) Rejoin(conn Conn, deviceKey string, previousRoom string) {
	record, admitted := mm.admitDevice(conn, deviceKey)
	if !admitted {
		return
	}

	exclude := MemberIDs(previousRoom)

	mm.mutex.Lock()
	sess := mm.sessionLocked(conn)
	sess.deviceID = record.ID
	sess.deviceKey = record.Key
	paired := mm.tryPairLocked(sess, exclude)
	mm.mutex.Unlock()

	mm.markUnavailable(paired)
}

// Message broadcasts a chat payload to the sender's room. The sender must be
// a current member; a connection that already left a room cannot inject
// messages into it.
func (mm *Matchmaker) Message(conn Conn, room string, payload string) {
	mm.mutex.Lock()
	sess := mm.sessions[conn.ID()]
	member := sess != nil && sess.state == statePaired && sess.room == room
	var deviceKey string
	if sess != nil {
		deviceKey = sess.deviceKey
	}
	mm.mutex.Unlock()

	if !member {
		mm.sendTo(conn, common.Signal{Type: common.SignalConnectionDenied, Reason: "not a member of that room"})
		return
	}

	mm.rooms.Broadcast(room, common.Signal{
		Type:      common.SignalMessage,
		Room:      room,
		Payload:   payload,
		DeviceKey: deviceKey,
	})
}

// Skip tears the caller's room down: every member receives clearChat, then
// after the grace delay (so clients can flush their UI) both members leave
// the room and are re-entered into matchmaking with their former partner
// excluded from the next candidate draw.
func (mm *Matchmaker) Skip(conn Conn, room string) {
	mm.mutex.Lock()
	sess := mm.sessions[conn.ID()]
	if sess == nil || sess.state != statePaired || sess.room != room {
		mm.mutex.Unlock()
		mm.sendTo(conn, common.Signal{Type: common.SignalConnectionDenied, Reason: "not a member of that room"})
		return
	}

	members := mm.rooms.Members(room)
	for _, member := range members {
		if memberSess := mm.sessions[member.ID()]; memberSess != nil {
			memberSess.state = stateAwaitingRejoin
		}
	}
	mm.mutex.Unlock()

	mm.rooms.Broadcast(room, common.Signal{Type: common.SignalClearChat, Room: room})
	time.Sleep(mm.policy.SkipGrace)

	exclude := MemberIDs(room)

	mm.mutex.Lock()
	// Every member leaves and is told to rejoin before anyone re-pairs.
	remaining := make([]*session, 0, len(members))
	for _, member := range members {
		mm.rooms.Leave(room, member.ID())
		memberSess := mm.sessions[member.ID()]
		if memberSess == nil || memberSess.room != room {
			// Dropped or already re-routed during the grace delay; the
			// disconnect path has cleaned up whatever applied. Anyone whose
			// session still points at this room must be re-routed here, even
			// if an event during the grace window changed its state.
			continue
		}
		memberSess.room = ""
		mm.sendTo(member, common.Signal{Type: common.SignalRejoin, Room: room})
		remaining = append(remaining, memberSess)
	}

	var paired []uint64
	for _, memberSess := range remaining {
		paired = append(paired, mm.tryPairLocked(memberSess, exclude)...)
	}
	mm.mutex.Unlock()

	mm.markUnavailable(paired)

	log.WithField("room", room).Debug("Room skipped, members re-entered matchmaking")
}

// StopSearch withdraws the caller from the waiting pool if it is currently
// searching. Idempotent; always acknowledged with stoppedSearch.
func (mm *Matchmaker) StopSearch(conn Conn) {
	mm.mutex.Lock()
	sess := mm.sessions[conn.ID()]
	if sess != nil && sess.state == stateSearching {
		mm.pool.Remove(sess.deviceID)
		sess.state = stateIdle
	}
	mm.mutex.Unlock()

	mm.sendTo(conn, common.Signal{Type: common.SignalStoppedSearch})
}

// LeaveRoom removes the caller from its room. The remaining member is
// notified the peer left and immediately re-entered into matchmaking, never
// left stuck in a paired state with no counterpart.
func (mm *Matchmaker) LeaveRoom(conn Conn, room string) {
	mm.departRoom(conn, room, common.SignalPeerLeft)
}

// DisconnectRoom is the client-initiated teardown before the app closes: the
// remaining member is notified, then the caller's connection is closed (which
// triggers the usual transport disconnect cleanup).
func (mm *Matchmaker) DisconnectRoom(conn Conn, room string) {
	mm.departRoom(conn, room, common.SignalUserDisconnected)

	// The connection is going away; terminate the session now rather than
	// waiting for the transport to notice the close.
	mm.mutex.Lock()
	if sess := mm.sessions[conn.ID()]; sess != nil {
		sess.state = stateTerminated
	}
	mm.mutex.Unlock()

	if err := conn.Close(); err != nil {
		log.WithField("conn", conn.ID()).WithError(err).Debug("Failed to close connection after disconnectRoom")
	}
}

func (mm *Matchmaker) departRoom(conn Conn, room string, peerSignal string) {
	mm.mutex.Lock()
	sess := mm.sessions[conn.ID()]
	if sess == nil || sess.room != room {
		mm.mutex.Unlock()
		mm.sendTo(conn, common.Signal{Type: common.SignalConnectionDenied, Reason: "not a member of that room"})
		return
	}

	mm.rooms.Leave(room, conn.ID())
	sess.room = ""
	sess.state = stateIdle
	leaverID := sess.deviceID

	var paired []uint64
	for _, peer := range mm.rooms.Members(room) {
		mm.rooms.Leave(room, peer.ID())
		mm.sendTo(peer, common.Signal{Type: peerSignal, Room: room})

		peerSess := mm.sessions[peer.ID()]
		if peerSess == nil {
			continue
		}
		peerSess.room = ""
		paired = append(paired, mm.tryPairLocked(peerSess, nil)...)
	}
	mm.mutex.Unlock()

	mm.markUnavailable(paired)

	if leaverID != 0 {
		if err := mm.directory.SetAvailability(leaverID, true); err != nil {
			log.WithField("device", leaverID).WithError(err).Warn("Failed to mark device available after leaving room")
		}
	}
}

// Disconnect is the transport-level drop hook, invoked when a connection's
// read loop ends. It runs even when no graceful leave was received: the
// waiting pool entry is removed by reverse lookup, any room membership is
// torn down with the peer notified and re-queued, the session is discarded
// and the device is marked available again. Every step is idempotent, so a
// drop racing a skip or leave still converges.
func (mm *Matchmaker) Disconnect(conn Conn) {
	mm.mutex.Lock()
	sess := mm.sessions[conn.ID()]
	delete(mm.sessions, conn.ID())

	deviceID, _ := mm.pool.RemoveConn(conn.ID())

	var paired []uint64
	if sess != nil {
		sess.state = stateTerminated
		if sess.deviceID != 0 {
			deviceID = sess.deviceID
		}

		if room := mm.rooms.RoomOf(conn.ID()); room != "" {
			mm.rooms.Leave(room, conn.ID())
			for _, peer := range mm.rooms.Members(room) {
				mm.rooms.Leave(room, peer.ID())
				mm.sendTo(peer, common.Signal{Type: common.SignalUserDisconnected, Room: room})

				peerSess := mm.sessions[peer.ID()]
				if peerSess == nil {
					continue
				}
				peerSess.room = ""
				paired = append(paired, mm.tryPairLocked(peerSess, nil)...)
			}
		}
	}
	mm.mutex.Unlock()

	mm.markUnavailable(paired)

	if deviceID != 0 {
		if err := mm.directory.SetAvailability(deviceID, true); err != nil {
			log.WithField("device", deviceID).WithError(err).Warn("Failed to mark device available after disconnect")
		}
	}

	log.WithField("conn", conn.ID()).Debug("Connection cleaned up")
}
