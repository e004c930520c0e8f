package server

import (
	"sync"
	"testing"
	"time"

	"github.com/alejzeis/randopair/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestSessionLifecycle(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

type SessionTestSuite struct {
	suite.Suite

	mm        *Matchmaker
	directory *MemoryDirectory
}

func (ts *SessionTestSuite) SetupTest() {
	ts.mm, ts.directory = newTestMatchmaker()
}

// pairTwo joins device-1 and device-2 and returns their connections plus the
// room key they ended up in.
func (ts *SessionTestSuite) pairTwo() (*fakeConn, *fakeConn, string) {
	first := joinDevice(ts.mm, deviceKey(1))
	second := joinDevice(ts.mm, deviceKey(2))

	key := RoomKey(1, 2)
	require.Equal(ts.T(), key, ts.mm.Rooms().RoomOf(first.ID()), "Setup expects devices 1 and 2 to pair")
	return first, second, key
}

// indexOf returns the position of the first signal of the given type, or -1
func indexOf(types []string, signalType string) int {
	for i, entry := range types {
		if entry == signalType {
			return i
		}
	}
	return -1
}

// Skipping a two-member room sends clearChat then the rejoin prompt to both
// members, in that order, and vacates the room.
func (ts *SessionTestSuite) TestSkipVacatesRoomInOrder() {
	first, second, key := ts.pairTwo()

	ts.mm.Skip(first, key)

	for _, conn := range []*fakeConn{first, second} {
		types := conn.signalTypes()
		clearAt := indexOf(types, common.SignalClearChat)
		rejoinAt := indexOf(types, common.SignalRejoin)
		require.GreaterOrEqual(ts.T(), clearAt, 0, "Every member must receive clearChat")
		require.GreaterOrEqual(ts.T(), rejoinAt, 0, "Every member must receive the rejoin prompt")
		assert.Less(ts.T(), clearAt, rejoinAt, "clearChat must precede the rejoin prompt")
	}

	assert.Equal(ts.T(), 0, ts.mm.Rooms().MemberCount(key), "The skipped room must be empty")
	assert.Equal(ts.T(), 2, ts.mm.Pool().Len(), "With nobody else waiting, both members end up searching")
	assert.Equal(ts.T(), "", ts.mm.Rooms().RoomOf(first.ID()))
	assert.Equal(ts.T(), "", ts.mm.Rooms().RoomOf(second.ID()))
}

// After a skip the former partners must not be re-paired with each other when
// another waiting device exists: one of them pairs with the third device.
func (ts *SessionTestSuite) TestSkipExcludesFormerPartner() {
	first, second, key := ts.pairTwo()
	third := joinDevice(ts.mm, deviceKey(3))
	require.True(ts.T(), third.received(common.SignalSearching))

	ts.mm.Skip(first, key)

	firstRoom := ts.mm.Rooms().RoomOf(first.ID())
	secondRoom := ts.mm.Rooms().RoomOf(second.ID())
	thirdRoom := ts.mm.Rooms().RoomOf(third.ID())

	assert.NotEqual(ts.T(), key, firstRoom, "The old room key must not be reused for the same pair")
	assert.False(ts.T(), firstRoom != "" && firstRoom == secondRoom, "The skipped partners must not be re-paired with each other")

	require.NotEmpty(ts.T(), thirdRoom, "The third device should have been drawn by one of the skippers")
	assert.True(ts.T(), thirdRoom == firstRoom || thirdRoom == secondRoom, "Exactly one skipper should pair with the third device")
	assert.Equal(ts.T(), 1, ts.mm.Pool().Len(), "The other skipper keeps waiting")
}

// A skip from a connection that is not a member of the room is rejected
func (ts *SessionTestSuite) TestSkipRequiresMembership() {
	_, _, key := ts.pairTwo()

	outsider := joinDevice(ts.mm, deviceKey(3))
	ts.mm.Skip(outsider, key)

	assert.True(ts.T(), outsider.received(common.SignalConnectionDenied))
	assert.Equal(ts.T(), 2, ts.mm.Rooms().MemberCount(key), "The room must be untouched by an outsider's skip")
}

// Messages are broadcast to the room, but only from current members
func (ts *SessionTestSuite) TestMessageOwnership() {
	first, second, key := ts.pairTwo()

	ts.mm.Message(first, key, "hello there")
	assert.True(ts.T(), second.received(common.SignalMessage), "The partner should receive the message")
	assert.True(ts.T(), first.received(common.SignalMessage), "Room broadcast includes the sender")

	outsider := joinDevice(ts.mm, deviceKey(3))
	ts.mm.Message(outsider, key, "injected")

	assert.True(ts.T(), outsider.received(common.SignalConnectionDenied))
	for _, signal := range second.signals() {
		if signal.Type == common.SignalMessage {
			assert.NotEqual(ts.T(), "injected", signal.Payload, "A non-member must not be able to inject messages")
		}
	}
}

// stopSearch withdraws a searching device and is idempotent
func (ts *SessionTestSuite) TestStopSearch() {
	conn := joinDevice(ts.mm, deviceKey(1))
	require.Equal(ts.T(), 1, ts.mm.Pool().Len())

	ts.mm.StopSearch(conn)
	assert.Equal(ts.T(), 0, ts.mm.Pool().Len())
	assert.True(ts.T(), conn.received(common.SignalStoppedSearch))

	ts.mm.StopSearch(conn)
	assert.Equal(ts.T(), 0, ts.mm.Pool().Len(), "A second stopSearch must be a harmless no-op")
}

// Leaving a room notifies the partner and immediately re-queues them
func (ts *SessionTestSuite) TestLeaveRoomRequeuesPartner() {
	first, second, key := ts.pairTwo()

	ts.mm.LeaveRoom(first, key)

	assert.True(ts.T(), second.received(common.SignalPeerLeft), "The remaining member must be told the peer left")
	assert.True(ts.T(), second.received(common.SignalSearching), "The remaining member must be auto-returned to search")
	assert.Equal(ts.T(), 0, ts.mm.Rooms().MemberCount(key))
	assert.Equal(ts.T(), 1, ts.mm.Pool().Len())

	record, err := ts.directory.FindByKey(deviceKey(1))
	require.NoError(ts.T(), err)
	assert.True(ts.T(), record.Available, "The leaver's device should be marked available again")
}

// disconnectRoom notifies the partner and closes the caller's connection
func (ts *SessionTestSuite) TestDisconnectRoomClosesConnection() {
	first, second, key := ts.pairTwo()

	ts.mm.DisconnectRoom(first, key)

	assert.True(ts.T(), second.received(common.SignalUserDisconnected))
	assert.True(ts.T(), first.closed, "The caller's connection should be closed")
	assert.Equal(ts.T(), 0, ts.mm.Rooms().MemberCount(key))
}

// A transport-level drop cleans up the pool, the room, the peer and the
// device's availability even though no leave event was ever received.
func (ts *SessionTestSuite) TestDisconnectCleansUpPairedConnection() {
	first, second, key := ts.pairTwo()

	ts.mm.Disconnect(first)

	assert.True(ts.T(), second.received(common.SignalUserDisconnected), "The peer must be notified of the drop")
	assert.True(ts.T(), second.received(common.SignalSearching), "The peer must be auto-returned to search")
	assert.Equal(ts.T(), 0, ts.mm.Rooms().MemberCount(key))

	record, err := ts.directory.FindByKey(deviceKey(1))
	require.NoError(ts.T(), err)
	assert.True(ts.T(), record.Available, "The dropped device must be marked available again")

	// A second disconnect for the same connection must be a no-op.
	ts.mm.Disconnect(first)
	assert.Equal(ts.T(), 1, ts.mm.Pool().Len())
}

// Dropping while searching removes the waiting entry via reverse lookup
func (ts *SessionTestSuite) TestDisconnectWhileSearching() {
	conn := joinDevice(ts.mm, deviceKey(1))
	require.Equal(ts.T(), 1, ts.mm.Pool().Len())

	ts.mm.Disconnect(conn)

	assert.Equal(ts.T(), 0, ts.mm.Pool().Len(), "The waiting entry must be removed on disconnect")
	record, err := ts.directory.FindByKey(deviceKey(1))
	require.NoError(ts.T(), err)
	assert.True(ts.T(), record.Available)
}

// A member dropping during the skip grace delay must still end with a
// consistent pool and no lingering room.
func (ts *SessionTestSuite) TestDisconnectDuringSkipGrace() {
	policy := DefaultPolicy()
	policy.SkipGrace = 30 * time.Millisecond
	ts.mm = NewMatchmaker(ts.directory, policy)

	first, second, key := ts.pairTwo()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ts.mm.Skip(first, key)
	}()

	time.Sleep(10 * time.Millisecond) // inside the grace window
	ts.mm.Disconnect(second)
	wg.Wait()

	assert.Equal(ts.T(), 0, ts.mm.Rooms().MemberCount(key), "The room must be fully torn down")
	assert.Equal(ts.T(), 1, ts.mm.Pool().Len(), "Only the surviving member should be waiting")
	assert.True(ts.T(), first.received(common.SignalUserDisconnected) || first.received(common.SignalSearching),
		"The surviving member must have been re-routed to search")
}

// A member that re-sends registerOrJoin during the skip grace window is
// answered with alreadyInRoom, but must still be re-routed into matchmaking
// once the room is torn down rather than being left pointing at a vacated room.
func (ts *SessionTestSuite) TestRegisterDuringSkipGraceStillRerouted() {
	policy := DefaultPolicy()
	policy.SkipGrace = 60 * time.Millisecond
	ts.mm = NewMatchmaker(ts.directory, policy)

	first, second, key := ts.pairTwo()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ts.mm.Skip(first, key)
	}()

	time.Sleep(20 * time.Millisecond) // inside the grace window
	ts.mm.RegisterOrJoin(second, deviceKey(2))
	wg.Wait()

	assert.True(ts.T(), second.received(common.SignalAlreadyInRoom), "The early re-entry is answered with the existing room")
	assert.True(ts.T(), second.received(common.SignalRejoin), "The member must still get the rejoin prompt when the room is vacated")

	assert.Equal(ts.T(), "", ts.mm.Rooms().RoomOf(second.ID()), "The vacated room must not linger on the session")
	record, err := ts.directory.FindByKey(deviceKey(2))
	require.NoError(ts.T(), err)
	assert.True(ts.T(), ts.mm.Pool().Contains(record.ID), "The member must be searching again afterwards")
	assert.Equal(ts.T(), 2, ts.mm.Pool().Len(), "Both former members end up waiting with nobody else around")
}

// disconnectRoom terminates the caller's session; a terminated connection
// cannot keep acting on rooms.
func (ts *SessionTestSuite) TestDisconnectRoomTerminatesSession() {
	first, second, key := ts.pairTwo()

	ts.mm.DisconnectRoom(first, key)

	ts.mm.mutex.Lock()
	sess := ts.mm.sessions[first.ID()]
	ts.mm.mutex.Unlock()
	require.NotNil(ts.T(), sess)
	assert.Equal(ts.T(), stateTerminated, sess.state)

	newRoom := ts.mm.Rooms().RoomOf(second.ID())
	ts.mm.Message(first, newRoom, "after disconnect")
	assert.True(ts.T(), first.received(common.SignalConnectionDenied), "A terminated session must not send messages")
}

// Rejoin with the previous room key excludes the former partner even when
// that partner is already waiting again.
func (ts *SessionTestSuite) TestRejoinExcludesPreviousRoomMembers() {
	first, _, key := ts.pairTwo()

	ts.mm.Skip(first, key)
	require.Equal(ts.T(), 2, ts.mm.Pool().Len(), "Both members wait after a skip with nobody else around")

	// An explicit client-driven rejoin with the old key must still not pair
	// the former partners together.
	ts.mm.Rejoin(first, deviceKey(1), key)

	assert.Equal(ts.T(), "", ts.mm.Rooms().RoomOf(first.ID()), "Former partners must not re-pair immediately")
	assert.Equal(ts.T(), 2, ts.mm.Pool().Len())
}
