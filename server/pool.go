package server

import (
	"math/rand"
	"sync"
	"time"
)

// WaitingEntry is one device currently searching for a partner
type WaitingEntry struct {
	DeviceID uint64
	Conn     Conn
}

// WaitingPool holds the devices currently searching for a partner, keyed by
// device id with a reverse index by connection id. At most one entry exists
// per device; selection and removal of a candidate are a single atomic step
// so two concurrent pair attempts can never draw the same device.
type WaitingPool struct {
	mutex   sync.Mutex
	entries map[uint64]Conn
	byConn  map[string]uint64
	rng     *rand.Rand
}

func NewWaitingPool() *WaitingPool {
	pool := new(WaitingPool)
	pool.entries = make(map[uint64]Conn)
	pool.byConn = make(map[string]uint64)
	pool.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	return pool
}

// Enqueue inserts the device if absent, returning false if it was already waiting
func (pool *WaitingPool) Enqueue(deviceID uint64, conn Conn) bool {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if _, exists := pool.entries[deviceID]; exists {
		return false
	}

	pool.entries[deviceID] = conn
	pool.byConn[conn.ID()] = deviceID
	return true
}

// DequeueRandom selects uniformly at random among current entries whose device
// id is not in exclude, removes it from the pool and returns it. Returns false
// when no eligible entry exists.
func (pool *WaitingPool) DequeueRandom(exclude map[uint64]struct{}) (WaitingEntry, bool) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	candidates := make([]uint64, 0, len(pool.entries))
	for deviceID := range pool.entries {
		if _, excluded := exclude[deviceID]; !excluded {
			candidates = append(candidates, deviceID)
		}
	}

	if len(candidates) == 0 {
		return WaitingEntry{}, false
	}

	deviceID := candidates[pool.rng.Intn(len(candidates))]
	conn := pool.entries[deviceID]
	delete(pool.entries, deviceID)
	delete(pool.byConn, conn.ID())

	return WaitingEntry{DeviceID: deviceID, Conn: conn}, true
}

// Remove removes the device's entry if present. Idempotent.
func (pool *WaitingPool) Remove(deviceID uint64) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	conn, exists := pool.entries[deviceID]
	if exists {
		delete(pool.entries, deviceID)
		delete(pool.byConn, conn.ID())
	}
}

// RemoveConn removes whatever entry belongs to the given connection id,
// returning the device id that was waiting. Used by the disconnect path, where
// the dropped connection is the only information available. Idempotent.
func (pool *WaitingPool) RemoveConn(connID string) (uint64, bool) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	deviceID, exists := pool.byConn[connID]
	if !exists {
		return 0, false
	}
	delete(pool.entries, deviceID)
	delete(pool.byConn, connID)
	return deviceID, true
}

// Contains reports whether the device is currently waiting
func (pool *WaitingPool) Contains(deviceID uint64) bool {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	_, exists := pool.entries[deviceID]
	return exists
}

// Len returns the number of waiting devices
func (pool *WaitingPool) Len() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	return len(pool.entries)
}
