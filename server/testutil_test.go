package server

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/alejzeis/randopair/common"
)

// fakeConn is a Conn implementation that records every signal sent to it,
// substituting for real websocket connections in the tests.
type fakeConn struct {
	id        string
	mutex     sync.Mutex
	sent      []common.Signal
	closed    bool
	failSends bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (conn *fakeConn) ID() string {
	return conn.id
}

func (conn *fakeConn) Send(signal common.Signal) error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	if conn.failSends {
		return errors.New("send failed")
	}
	conn.sent = append(conn.sent, signal)
	return nil
}

func (conn *fakeConn) Close() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	conn.closed = true
	return nil
}

// signals returns a copy of everything sent so far
func (conn *fakeConn) signals() []common.Signal {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	snapshot := make([]common.Signal, len(conn.sent))
	copy(snapshot, conn.sent)
	return snapshot
}

// signalTypes returns just the type of every signal sent so far, in order
func (conn *fakeConn) signalTypes() []string {
	signals := conn.signals()
	types := make([]string, len(signals))
	for i, signal := range signals {
		types[i] = signal.Type
	}
	return types
}

// received reports whether a signal of the given type was sent to this connection
func (conn *fakeConn) received(signalType string) bool {
	for _, signal := range conn.signals() {
		if signal.Type == signalType {
			return true
		}
	}
	return false
}

// newTestMatchmaker builds a matchmaker over a fresh in-memory directory with
// a short skip grace so the suites stay fast.
func newTestMatchmaker() (*Matchmaker, *MemoryDirectory) {
	directory := NewMemoryDirectory()
	policy := DefaultPolicy()
	policy.SkipGrace = 5 * time.Millisecond
	return NewMatchmaker(directory, policy), directory
}

// joinDevice registers a device key with the directory (if needed), announces
// a fresh fake connection and runs it through registerOrJoin.
func joinDevice(mm *Matchmaker, key string) *fakeConn {
	_, _, _ = mm.RegisterDevice(key)
	conn := newFakeConn("conn-" + key)
	mm.Connect(conn)
	mm.RegisterOrJoin(conn, key)
	return conn
}

func deviceKey(n int) string {
	return "device-" + strconv.Itoa(n)
}

// failingDirectory wraps a MemoryDirectory but fails every availability
// update, standing in for an unreachable device store.
type failingDirectory struct {
	*MemoryDirectory
}

func (directory *failingDirectory) SetAvailability(id uint64, available bool) error {
	return errors.New("directory unavailable")
}

func (directory *failingDirectory) SetAvailabilityAll(ids []uint64, available bool) error {
	return errors.New("directory unavailable")
}
